package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the schemaless ingester
type Config struct {
	Log     LogConfig
	Ingest  IngestConfig
	Catalog CatalogConfig
	Storage StorageConfig
	Metrics MetricsConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type IngestConfig struct {
	FastPath          bool   // Write straight into row builders while the catalog schema holds
	DefaultStringType string // Type of untyped json strings: nchar or binary
	Precision         string // Timestamp precision of tables created from inferred schemas
	MaxMeasurementLen int    // Max metric name length in bytes
	MaxTagKeyLen      int    // Max tag key length in bytes
	MaxBinaryLen      int    // Max binary column width in bytes, including the 2-byte header
	MaxNCharLen       int    // Max nchar column width in bytes, including the 2-byte header
	MaxPayloadSize    int64  // Max payload size in bytes (applies to both compressed and decompressed)
	Workers           int    // Concurrent payloads in the CLI
	Compression       string // Parquet compression: snappy, gzip, zstd
	UseDictionary     bool   // Use dictionary encoding
	WriteStatistics   bool   // Write Parquet statistics
	DataPageVersion   string // Parquet data page version: 1.0 or 2.0
}

type CatalogConfig struct {
	DBPath string // SQLite database path
}

type StorageConfig struct {
	Backend   string // local, s3 or azure
	LocalPath string
	S3        S3Config
	Azure     AzureConfig

	// Write retries and circuit breaker around the backend
	MaxRetries     int
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // MinIO or other S3-compatible endpoint
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
	Prefix    string // Key prefix for every segment
}

type AzureConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	Container          string
	Endpoint           string // Azurite or sovereign cloud endpoint
	Prefix             string
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from defaults, an optional sml.toml and SML_* env vars
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("SML")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("sml")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sml/")
	v.AddConfigPath("$HOME/.sml/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	maxPayloadSize, err := ParseSize(v.GetString("ingest.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid ingest.max_payload_size: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Ingest: IngestConfig{
			FastPath:          v.GetBool("ingest.fast_path"),
			DefaultStringType: v.GetString("ingest.default_string_type"),
			MaxMeasurementLen: v.GetInt("ingest.max_measurement_len"),
			MaxTagKeyLen:      v.GetInt("ingest.max_tag_key_len"),
			MaxBinaryLen:      v.GetInt("ingest.max_binary_len"),
			MaxNCharLen:       v.GetInt("ingest.max_nchar_len"),
			MaxPayloadSize:    maxPayloadSize,
			Workers:           v.GetInt("ingest.workers"),
			Compression:       v.GetString("ingest.compression"),
			UseDictionary:     v.GetBool("ingest.use_dictionary"),
			WriteStatistics:   v.GetBool("ingest.write_statistics"),
			DataPageVersion:   v.GetString("ingest.data_page_version"),
		},
		Catalog: CatalogConfig{
			DBPath: v.GetString("catalog.db_path"),
		},
		Storage: StorageConfig{
			Backend:   v.GetString("storage.backend"),
			LocalPath: v.GetString("storage.local_path"),
			S3: S3Config{
				Bucket:    v.GetString("storage.s3.bucket"),
				Region:    v.GetString("storage.s3.region"),
				Endpoint:  v.GetString("storage.s3.endpoint"),
				AccessKey: v.GetString("storage.s3.access_key"),
				SecretKey: v.GetString("storage.s3.secret_key"),
				UseSSL:    v.GetBool("storage.s3.use_ssl"),
				PathStyle: v.GetBool("storage.s3.path_style"),
				Prefix:    v.GetString("storage.s3.prefix"),
			},
			Azure: AzureConfig{
				ConnectionString:   v.GetString("storage.azure.connection_string"),
				AccountName:        v.GetString("storage.azure.account_name"),
				AccountKey:         v.GetString("storage.azure.account_key"),
				SASToken:           v.GetString("storage.azure.sas_token"),
				UseManagedIdentity: v.GetBool("storage.azure.use_managed_identity"),
				Container:          v.GetString("storage.azure.container"),
				Endpoint:           v.GetString("storage.azure.endpoint"),
				Prefix:             v.GetString("storage.azure.prefix"),
			},
			MaxRetries:     v.GetInt("storage.max_retries"),
			RetryDelay:     v.GetDuration("storage.retry_delay"),
			RetryMaxDelay:  v.GetDuration("storage.retry_max_delay"),
			MaxFailures:    v.GetInt("storage.max_failures"),
			BreakerTimeout: v.GetDuration("storage.breaker_timeout"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Ingest defaults
	v.SetDefault("ingest.fast_path", true)
	v.SetDefault("ingest.default_string_type", "nchar")
	v.SetDefault("ingest.precision", "ms")
	v.SetDefault("ingest.max_measurement_len", 192)
	v.SetDefault("ingest.max_tag_key_len", 64)
	v.SetDefault("ingest.max_binary_len", 16384)
	v.SetDefault("ingest.max_nchar_len", 16384)
	v.SetDefault("ingest.max_payload_size", "64MB")
	v.SetDefault("ingest.workers", getDefaultWorkers())
	v.SetDefault("ingest.compression", "snappy")
	v.SetDefault("ingest.use_dictionary", true)
	v.SetDefault("ingest.write_statistics", true)
	v.SetDefault("ingest.data_page_version", "2.0")

	// Catalog defaults
	v.SetDefault("catalog.db_path", "./data/sml_catalog.db")

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data/sml")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("storage.azure.use_managed_identity", false)
	v.SetDefault("storage.max_retries", 3)
	v.SetDefault("storage.retry_delay", "100ms")
	v.SetDefault("storage.retry_max_delay", "5s")
	v.SetDefault("storage.max_failures", 5)
	v.SetDefault("storage.breaker_timeout", "30s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
}

func getDefaultWorkers() int {
	workers := runtime.NumCPU()
	if workers > 16 {
		return 16
	}
	return workers
}

// Validate checks value ranges that viper cannot express.
func (cfg *Config) Validate() error {
	in := &cfg.Ingest

	switch strings.ToLower(in.DefaultStringType) {
	case "nchar", "binary":
	default:
		return fmt.Errorf("invalid ingest.default_string_type %q (use nchar or binary)", in.DefaultStringType)
	}

	switch strings.ToLower(in.Precision) {
	case "":
		in.Precision = "ms"
	case "ms", "us", "ns":
	default:
		return fmt.Errorf("invalid ingest.precision %q (use ms, us or ns)", in.Precision)
	}

	switch in.Compression {
	case "snappy", "gzip", "zstd", "none":
	default:
		return fmt.Errorf("invalid ingest.compression %q (use snappy, gzip, zstd or none)", in.Compression)
	}

	if in.MaxMeasurementLen <= 0 {
		return fmt.Errorf("ingest.max_measurement_len must be positive, got %d", in.MaxMeasurementLen)
	}
	if in.MaxTagKeyLen <= 0 {
		return fmt.Errorf("ingest.max_tag_key_len must be positive, got %d", in.MaxTagKeyLen)
	}
	// Both widths carry a 2-byte length header
	if in.MaxBinaryLen <= 2 {
		return fmt.Errorf("ingest.max_binary_len must be greater than 2, got %d", in.MaxBinaryLen)
	}
	if in.MaxNCharLen <= 2 {
		return fmt.Errorf("ingest.max_nchar_len must be greater than 2, got %d", in.MaxNCharLen)
	}
	if in.MaxPayloadSize <= 0 {
		return fmt.Errorf("ingest.max_payload_size must be positive")
	}
	if in.Workers <= 0 {
		in.Workers = 1
	}

	st := &cfg.Storage
	switch st.Backend {
	case "", "local":
		st.Backend = "local"
	case "s3":
		if st.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	case "azure":
		if st.Azure.Container == "" {
			return fmt.Errorf("storage.azure.container is required for the azure backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend %q (use local, s3 or azure)", st.Backend)
	}
	if st.MaxRetries < 0 {
		st.MaxRetries = 0
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	// Longer suffixes first
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			// Unrecognized unit like "T" in "1TB"
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	// Plain number of bytes
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
