package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all ingester metrics for Prometheus export
type Metrics struct {
	startTime time.Time

	// Batch metrics
	batchesTotal      atomic.Int64
	batchesFailed     atomic.Int64
	batchesCompressed atomic.Int64
	msgpackBatches    atomic.Int64
	payloadBytesTotal atomic.Int64
	decodedBytesTotal atomic.Int64
	batchLatencySum   atomic.Int64 // microseconds
	batchLatencyCount atomic.Int64

	// Data point metrics
	pointsTotal      atomic.Int64
	fastRowsTotal    atomic.Int64
	genericRowsTotal atomic.Int64
	rerunsTotal      atomic.Int64

	// Errors by kind label
	errorsByKind sync.Map // string -> *atomic.Int64

	// Schema metrics
	schemaLookupsTotal  atomic.Int64
	schemaNotFoundTotal atomic.Int64
	schemaChangesTotal  atomic.Int64
	childTablesTotal    atomic.Int64
	catalogAppliesTotal atomic.Int64
	catalogErrorsTotal  atomic.Int64

	// Output metrics
	segmentsWrittenTotal   atomic.Int64
	storageWriteBytesTotal atomic.Int64
	storageErrorsTotal     atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New returns an independent metrics set. Tests use it to avoid sharing
// the process-wide counters.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		logger:    zerolog.Nop(),
	}
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Batch metrics
func (m *Metrics) IncBatches()                  { m.batchesTotal.Add(1) }
func (m *Metrics) IncBatchesFailed()            { m.batchesFailed.Add(1) }
func (m *Metrics) IncCompressedBatches()        { m.batchesCompressed.Add(1) }
func (m *Metrics) IncMsgPackBatches()           { m.msgpackBatches.Add(1) }
func (m *Metrics) IncPayloadBytes(bytes int64)  { m.payloadBytesTotal.Add(bytes) }
func (m *Metrics) IncDecodedBytes(bytes int64)  { m.decodedBytesTotal.Add(bytes) }

// RecordBatchLatency records batch parse latency in microseconds
func (m *Metrics) RecordBatchLatency(durationMicros int64) {
	m.batchLatencySum.Add(durationMicros)
	m.batchLatencyCount.Add(1)
}

// Data point metrics
func (m *Metrics) IncPoints(count int64)      { m.pointsTotal.Add(count) }
func (m *Metrics) IncFastRows(count int64)    { m.fastRowsTotal.Add(count) }
func (m *Metrics) IncGenericRows(count int64) { m.genericRowsTotal.Add(count) }
func (m *Metrics) IncReruns()                 { m.rerunsTotal.Add(1) }

// IncErrors counts a failed batch under its error kind label
func (m *Metrics) IncErrors(kind string) {
	c, ok := m.errorsByKind.Load(kind)
	if !ok {
		c, _ = m.errorsByKind.LoadOrStore(kind, new(atomic.Int64))
	}
	c.(*atomic.Int64).Add(1)
}

// Schema metrics
func (m *Metrics) IncSchemaLookups()             { m.schemaLookupsTotal.Add(1) }
func (m *Metrics) IncSchemaNotFound()            { m.schemaNotFoundTotal.Add(1) }
func (m *Metrics) IncSchemaChanges(count int64)  { m.schemaChangesTotal.Add(count) }
func (m *Metrics) IncChildTables(count int64)    { m.childTablesTotal.Add(count) }
func (m *Metrics) IncCatalogApplies()            { m.catalogAppliesTotal.Add(1) }
func (m *Metrics) IncCatalogErrors()             { m.catalogErrorsTotal.Add(1) }

// Output metrics
func (m *Metrics) IncSegmentsWritten()              { m.segmentsWrittenTotal.Add(1) }
func (m *Metrics) IncStorageWriteBytes(bytes int64) { m.storageWriteBytesTotal.Add(bytes) }
func (m *Metrics) IncStorageErrors()                { m.storageErrorsTotal.Add(1) }

// errorCounts returns the per-kind error counters sorted by label
func (m *Metrics) errorCounts() ([]string, map[string]int64) {
	counts := make(map[string]int64)
	m.errorsByKind.Range(func(k, v interface{}) bool {
		counts[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds, counts
}

// Snapshot returns all metrics as a flat map
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),

		// Memory (Go runtime)
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"memory_sys_bytes":        memStats.Sys,
		"gc_cycles":               memStats.NumGC,

		// Batches
		"batches_total":            m.batchesTotal.Load(),
		"batches_failed_total":     m.batchesFailed.Load(),
		"batches_compressed_total": m.batchesCompressed.Load(),
		"msgpack_batches_total":    m.msgpackBatches.Load(),
		"payload_bytes_total":      m.payloadBytesTotal.Load(),
		"decoded_bytes_total":      m.decodedBytesTotal.Load(),
		"batch_latency_sum_us":     m.batchLatencySum.Load(),
		"batch_latency_count":      m.batchLatencyCount.Load(),

		// Points
		"points_total":       m.pointsTotal.Load(),
		"fast_rows_total":    m.fastRowsTotal.Load(),
		"generic_rows_total": m.genericRowsTotal.Load(),
		"reruns_total":       m.rerunsTotal.Load(),

		// Schema
		"schema_lookups_total":   m.schemaLookupsTotal.Load(),
		"schema_not_found_total": m.schemaNotFoundTotal.Load(),
		"schema_changes_total":   m.schemaChangesTotal.Load(),
		"child_tables_total":     m.childTablesTotal.Load(),
		"catalog_applies_total":  m.catalogAppliesTotal.Load(),
		"catalog_errors_total":   m.catalogErrorsTotal.Load(),

		// Output
		"segments_written_total":    m.segmentsWrittenTotal.Load(),
		"storage_write_bytes_total": m.storageWriteBytesTotal.Load(),
		"storage_errors_total":      m.storageErrorsTotal.Load(),
	}

	kinds, counts := m.errorCounts()
	for _, k := range kinds {
		snap["errors_"+k+"_total"] = counts[k]
	}
	return snap
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var b []byte

	b = appendHeader(b, "sml_uptime_seconds", "Time since the process started", "gauge")
	b = appendMetric(b, "sml_uptime_seconds", time.Since(m.startTime).Seconds())

	b = appendHeader(b, "sml_goroutines", "Number of goroutines", "gauge")
	b = appendMetric(b, "sml_goroutines", float64(runtime.NumGoroutine()))

	// Batches
	b = appendHeader(b, "sml_batches_total", "Total batches parsed", "counter")
	b = appendMetric(b, "sml_batches_total", float64(m.batchesTotal.Load()))

	b = appendHeader(b, "sml_batches_failed_total", "Batches rejected with an error", "counter")
	b = appendMetric(b, "sml_batches_failed_total", float64(m.batchesFailed.Load()))

	b = appendHeader(b, "sml_batches_compressed_total", "Gzip-compressed batches", "counter")
	b = appendMetric(b, "sml_batches_compressed_total", float64(m.batchesCompressed.Load()))

	b = appendHeader(b, "sml_msgpack_batches_total", "MessagePack batches", "counter")
	b = appendMetric(b, "sml_msgpack_batches_total", float64(m.msgpackBatches.Load()))

	b = appendHeader(b, "sml_payload_bytes_total", "Payload bytes received", "counter")
	b = appendMetric(b, "sml_payload_bytes_total", float64(m.payloadBytesTotal.Load()))

	b = appendHeader(b, "sml_decoded_bytes_total", "Payload bytes after decompression", "counter")
	b = appendMetric(b, "sml_decoded_bytes_total", float64(m.decodedBytesTotal.Load()))

	b = appendHeader(b, "sml_batch_latency_microseconds", "Batch parse latency", "summary")
	b = appendMetric(b, "sml_batch_latency_microseconds_sum", float64(m.batchLatencySum.Load()))
	b = appendMetric(b, "sml_batch_latency_microseconds_count", float64(m.batchLatencyCount.Load()))

	// Points
	b = appendHeader(b, "sml_points_total", "Data points parsed", "counter")
	b = appendMetric(b, "sml_points_total", float64(m.pointsTotal.Load()))

	b = appendHeader(b, "sml_rows_total", "Rows produced by write path", "counter")
	b = appendMetricWithLabel(b, "sml_rows_total", "path", "fast", float64(m.fastRowsTotal.Load()))
	b = appendMetricWithLabel(b, "sml_rows_total", "path", "generic", float64(m.genericRowsTotal.Load()))

	b = appendHeader(b, "sml_reruns_total", "Batches restarted in generic mode", "counter")
	b = appendMetric(b, "sml_reruns_total", float64(m.rerunsTotal.Load()))

	b = appendHeader(b, "sml_errors_total", "Failed batches by error kind", "counter")
	kinds, counts := m.errorCounts()
	for _, k := range kinds {
		b = appendMetricWithLabel(b, "sml_errors_total", "kind", k, float64(counts[k]))
	}

	// Schema
	b = appendHeader(b, "sml_schema_lookups_total", "Catalog schema lookups", "counter")
	b = appendMetric(b, "sml_schema_lookups_total", float64(m.schemaLookupsTotal.Load()))

	b = appendHeader(b, "sml_schema_not_found_total", "Lookups for measurements missing from the catalog", "counter")
	b = appendMetric(b, "sml_schema_not_found_total", float64(m.schemaNotFoundTotal.Load()))

	b = appendHeader(b, "sml_schema_changes_total", "Column widenings requested", "counter")
	b = appendMetric(b, "sml_schema_changes_total", float64(m.schemaChangesTotal.Load()))

	b = appendHeader(b, "sml_child_tables_total", "Child tables resolved", "counter")
	b = appendMetric(b, "sml_child_tables_total", float64(m.childTablesTotal.Load()))

	b = appendHeader(b, "sml_catalog_applies_total", "Catalog schema applications", "counter")
	b = appendMetric(b, "sml_catalog_applies_total", float64(m.catalogAppliesTotal.Load()))

	b = appendHeader(b, "sml_catalog_errors_total", "Catalog failures", "counter")
	b = appendMetric(b, "sml_catalog_errors_total", float64(m.catalogErrorsTotal.Load()))

	// Output
	b = appendHeader(b, "sml_segments_written_total", "Parquet segments written", "counter")
	b = appendMetric(b, "sml_segments_written_total", float64(m.segmentsWrittenTotal.Load()))

	b = appendHeader(b, "sml_storage_write_bytes_total", "Bytes written to storage", "counter")
	b = appendMetric(b, "sml_storage_write_bytes_total", float64(m.storageWriteBytesTotal.Load()))

	b = appendHeader(b, "sml_storage_errors_total", "Storage write failures", "counter")
	b = appendMetric(b, "sml_storage_errors_total", float64(m.storageErrorsTotal.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendHeader(b []byte, name, help, typ string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	return append(b, '\n')
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// Up to 6 decimal places
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for pad := int64(100000); pad > 1 && fracPart < pad; pad /= 10 {
		b = append(b, '0')
	}
	return appendInt(b, fracPart)
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
