package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basekick-labs/schemaless/internal/catalog"
	"github.com/basekick-labs/schemaless/internal/config"
	"github.com/basekick-labs/schemaless/internal/ingest"
	"github.com/basekick-labs/schemaless/internal/loader"
	"github.com/basekick-labs/schemaless/internal/logger"
	"github.com/basekick-labs/schemaless/internal/metrics"
	"github.com/basekick-labs/schemaless/internal/shutdown"
	"github.com/basekick-labs/schemaless/internal/storage"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	format      loader.Format
	noFastPath  bool
	dryRun      bool
	showMetrics bool
	files       []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("schemaless", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "auto", "Payload format: auto, json or msgpack")
	noFastPath := fs.Bool("no-fast-path", false, "Always parse in generic mode")
	dryRun := fs.Bool("dry-run", false, "Parse only; do not touch the catalog or storage")
	showMetrics := fs.Bool("metrics", false, "Print Prometheus metrics after the run")
	version := fs.Bool("version", false, "Print the version and exit")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: schemaless [flags] file...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *version {
		fmt.Fprintln(stderr, "schemaless", Version)
		return nil, flag.ErrHelp
	}

	f, err := loader.ParseFormat(*format)
	if err != nil {
		return nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, errors.New("no payload files given")
	}

	return &options{
		format:      f,
		noFastPath:  *noFastPath,
		dryRun:      *dryRun,
		showMetrics: *showMetrics,
		files:       fs.Args(),
	}, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if opts.noFastPath {
		cfg.Ingest.FastPath = false
	}
	precision, err := models.ParsePrecision(cfg.Ingest.Precision)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid config: %v\n", err)
		return 1
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("version", Version).
		Int("files", len(opts.files)).
		Bool("fast_path", cfg.Ingest.FastPath).
		Bool("dry_run", opts.dryRun).
		Msg("Starting schemaless")

	m := metrics.Init(logger.Get("metrics"))

	coordinator := shutdown.New(30*time.Second, log.Logger)
	defer coordinator.Shutdown()
	ctx, cancel := coordinator.SignalContext(context.Background())
	defer cancel()

	if dir := filepath.Dir(cfg.Catalog.DBPath); dir != "." && cfg.Catalog.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.Error().Err(err).Str("path", dir).Msg("Failed to create catalog directory")
			return 1
		}
	}
	cat, err := catalog.NewSQLite(cfg.Catalog.DBPath, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Catalog.DBPath).Msg("Failed to open catalog")
		return 1
	}
	coordinator.Register("catalog", cat, shutdown.PriorityCatalog)

	backend, err := storage.New(ctx, &cfg.Storage, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to initialize storage backend")
		return 1
	}
	coordinator.Register("storage", backend, shutdown.PriorityStorage)
	log.Info().Str("backend", backend.Type()).Msg("Storage backend initialized")

	parser := ingest.NewParser(&cfg.Ingest, cat, log.Logger)
	writer := ingest.NewSegmentWriter(ingest.NewParquetWriter(&cfg.Ingest, log.Logger), backend, cfg.Ingest.Workers, log.Logger)
	ld := loader.New(parser, cat, writer, precision, log.Logger)

	reports, errs := loadAll(ctx, ld, opts, cfg.Ingest.Workers)
	failed := printSummary(stdout, opts.files, reports, errs)

	if opts.showMetrics {
		fmt.Fprint(stdout, m.PrometheusFormat())
	}

	if err := coordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// loadAll loads every file with at most workers in flight. A failing file
// does not stop the others.
func loadAll(ctx context.Context, ld *loader.Loader, opts *options, workers int) ([]*loader.Report, []error) {
	reports := make([]*loader.Report, len(opts.files))
	errs := make([]error, len(opts.files))

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for i, file := range opts.files {
		g.Go(func() error {
			reports[i], errs[i] = ld.LoadFile(ctx, file, opts.format, opts.dryRun)
			if errs[i] != nil {
				log.Error().Err(errs[i]).Str("file", file).Msg("Failed to load payload")
			}
			return nil
		})
	}
	g.Wait()
	return reports, errs
}

// printSummary writes one line per file and a total, and returns the
// number of failed files.
func printSummary(w io.Writer, files []string, reports []*loader.Report, errs []error) int {
	var failed, points int
	var rows int64
	var segments int

	for i, file := range files {
		if errs[i] != nil {
			failed++
			kind := ingest.KindOf(errs[i])
			fmt.Fprintf(w, "%s: FAILED (%s) %v\n", file, kind, errs[i])
			continue
		}
		r := reports[i]
		points += r.Points
		rows += r.Rows()
		segments += len(r.Segments)

		line := fmt.Sprintf("%s: %s mode=%s points=%d rows=%d segments=%d reruns=%d",
			file, r.Format, r.Mode, r.Points, r.Rows(), len(r.Segments), r.Reruns)
		if len(r.Tables) > 0 {
			line += " tables=" + strings.Join(r.Tables, ",")
		}
		fmt.Fprintf(w, "%s duration=%s\n", line, r.Duration.Round(time.Microsecond))
	}

	fmt.Fprintf(w, "total: files=%d failed=%d points=%d rows=%d segments=%d\n",
		len(files), failed, points, rows, segments)
	return failed
}
