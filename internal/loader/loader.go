// Package loader runs payloads end to end: parse, evolve the catalog,
// encode child tables to Parquet and store the segments.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basekick-labs/schemaless/internal/catalog"
	"github.com/basekick-labs/schemaless/internal/ingest"
	"github.com/basekick-labs/schemaless/internal/metrics"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/rs/zerolog"
)

// Format selects the payload decoder
type Format uint8

const (
	FormatAuto Format = iota
	FormatJSON
	FormatMsgPack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgPack:
		return "msgpack"
	default:
		return "auto"
	}
}

// ParseFormat parses "auto", "json" or "msgpack"
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "json":
		return FormatJSON, nil
	case "msgpack", "mp":
		return FormatMsgPack, nil
	default:
		return FormatAuto, fmt.Errorf("unknown format %q (use auto, json or msgpack)", s)
	}
}

// DetectFormat picks a decoder from the file name, then from the first byte.
// Gzip payloads are named by their inner extension (cpu.msgpack.gz).
func DetectFormat(name string, payload []byte) Format {
	base := strings.TrimSuffix(strings.ToLower(name), ".gz")
	switch filepath.Ext(base) {
	case ".json", ".ndjson":
		return FormatJSON
	case ".msgpack", ".mp", ".mpk":
		return FormatMsgPack
	}

	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 {
		return FormatJSON
	}
	switch c := trimmed[0]; {
	case c == '{' || c == '[':
		return FormatJSON
	case c >= 0x80 && c <= 0x9f, c == 0xdc, c == 0xdd, c == 0xde, c == 0xdf:
		// fixmap, fixarray, array16/32, map16/32
		return FormatMsgPack
	default:
		return FormatJSON
	}
}

// Report summarizes one loaded payload
type Report struct {
	Source        string
	RequestID     string
	Format        Format
	Mode          ingest.Mode
	Points        int
	Reruns        int
	Replayed      int      // generic rows written through inferred schemas
	Tables        []string // measurements created or extended in the catalog
	SchemaChanges int
	Segments      []ingest.Segment
	Duration      time.Duration
}

// Rows returns the number of rows stored across all segments
func (r *Report) Rows() int64 {
	var n int64
	for _, s := range r.Segments {
		n += s.Rows
	}
	return n
}

// Loader wires a parser, a catalog and a segment writer together. It is
// safe for concurrent use; each call gets its own sink.
type Loader struct {
	parser    *ingest.Parser
	catalog   catalog.Catalog
	writer    *ingest.SegmentWriter
	precision models.Precision
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a loader. precision applies to tables created from inferred
// schemas; existing tables keep their own.
func New(parser *ingest.Parser, cat catalog.Catalog, writer *ingest.SegmentWriter, precision models.Precision, logger zerolog.Logger) *Loader {
	return &Loader{
		parser:    parser,
		catalog:   cat,
		writer:    writer,
		precision: precision,
		metrics:   metrics.Get(),
		logger:    logger.With().Str("component", "loader").Logger(),
	}
}

// SetMetrics replaces the process-wide metrics collector
func (l *Loader) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// LoadFile reads path and loads it
func (l *Loader) LoadFile(ctx context.Context, path string, format Format, dryRun bool) (*Report, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if format == FormatAuto {
		format = DetectFormat(path, payload)
	}
	return l.Load(ctx, path, payload, format, dryRun)
}

// Load parses payload and stores its rows. A batch that lands in generic
// mode has its schemas inferred and applied to the catalog before the rows
// are replayed into child tables. In dry-run mode the payload is only
// parsed; the catalog and storage are left untouched.
func (l *Loader) Load(ctx context.Context, source string, payload []byte, format Format, dryRun bool) (*Report, error) {
	start := time.Now()
	if format == FormatAuto {
		format = DetectFormat(source, payload)
	}
	log := l.logger.With().Str("source", source).Str("format", format.String()).Logger()

	var sink *ingest.ArrowSink
	var rowSink ingest.RowSink
	if !dryRun {
		sink = ingest.NewArrowSink(nil)
		defer sink.Release()
		rowSink = sink
	}

	res, err := l.parse(ctx, payload, format, rowSink)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	report := &Report{
		Source:        source,
		RequestID:     res.RequestID,
		Format:        format,
		Mode:          res.Mode,
		Points:        res.Points,
		Reruns:        res.Reruns,
		SchemaChanges: len(res.SchemaChanges),
	}
	if dryRun {
		report.Duration = time.Since(start)
		return report, nil
	}

	switch res.Mode {
	case ingest.ModeGeneric:
		metas, tables, err := l.applyInferred(ctx, res)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		report.Tables = tables
		if report.Replayed, err = ingest.ReplayLines(res, metas, sink); err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
	case ingest.ModeFast:
		tables, err := l.applyChanges(ctx, res.SchemaChanges)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		report.Tables = tables
	}

	records := sink.Records()
	defer func() {
		for _, r := range records {
			r.Record.Release()
		}
	}()

	segs, err := l.writer.Write(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	report.Segments = segs
	report.Duration = time.Since(start)

	log.Info().
		Str("request_id", report.RequestID).
		Str("mode", report.Mode.String()).
		Int("points", report.Points).
		Int("segments", len(segs)).
		Int64("rows", report.Rows()).
		Dur("duration", report.Duration).
		Msg("Payload loaded")
	return report, nil
}

func (l *Loader) parse(ctx context.Context, payload []byte, format Format, sink ingest.RowSink) (*ingest.Result, error) {
	if format == FormatMsgPack {
		return l.parser.ParseMsgPackBatch(ctx, payload, sink)
	}
	return l.parser.ParseBatch(ctx, payload, sink)
}

// applyInferred creates or extends the catalog table of every measurement in
// a generic result and returns the resulting schemas.
func (l *Loader) applyInferred(ctx context.Context, res *ingest.Result) (map[string]*models.TableMeta, []string, error) {
	inferred, err := ingest.InferSchemas(res.Lines, l.precision)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(inferred))
	for name := range inferred {
		names = append(names, name)
	}
	sort.Strings(names)

	metas := make(map[string]*models.TableMeta, len(inferred))
	for _, name := range names {
		applied, err := l.catalog.Apply(ctx, inferred[name])
		if err != nil {
			l.metrics.IncCatalogErrors()
			return nil, nil, fmt.Errorf("failed to apply schema of %s: %w", name, err)
		}
		l.metrics.IncCatalogApplies()
		metas[name] = applied
	}

	l.logger.Debug().
		Str("request_id", res.RequestID).
		Strs("measurements", names).
		Msg("Applied inferred schemas")
	return metas, names, nil
}

// applyChanges widens catalog columns for every schema change of a fast result
func (l *Loader) applyChanges(ctx context.Context, changes []ingest.SchemaChange) ([]string, error) {
	seen := make(map[string]struct{})
	var tables []string
	for _, ch := range changes {
		if err := l.catalog.Widen(ctx, ch.Measurement, ch.Column, ch.Length); err != nil {
			l.metrics.IncCatalogErrors()
			return nil, fmt.Errorf("failed to widen %s.%s to %d: %w", ch.Measurement, ch.Column, ch.Length, err)
		}
		l.metrics.IncCatalogApplies()
		if _, ok := seen[ch.Measurement]; !ok {
			seen[ch.Measurement] = struct{}{}
			tables = append(tables, ch.Measurement)
		}
	}
	return tables, nil
}
