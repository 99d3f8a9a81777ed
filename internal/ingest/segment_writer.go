package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/schemaless/internal/metrics"
	"github.com/basekick-labs/schemaless/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Rows older or newer than these bounds are stored as-is, with a warning
const (
	backfillWarnAge = 7 * 24 * time.Hour
	futureWarnSkew  = time.Hour
)

// Segment describes one stored child table file
type Segment struct {
	Measurement string
	Table       string
	Path        string
	Rows        int64
	Size        int
	Partition   time.Time
}

// SegmentWriter encodes child table records as Parquet and stores them,
// one segment per record, partitioned by the record's earliest row.
type SegmentWriter struct {
	parquet     *ParquetWriter
	storage     storage.Backend
	concurrency int
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewSegmentWriter returns a writer uploading up to concurrency segments at once
func NewSegmentWriter(pw *ParquetWriter, backend storage.Backend, concurrency int, logger zerolog.Logger) *SegmentWriter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SegmentWriter{
		parquet:     pw,
		storage:     backend,
		concurrency: concurrency,
		now:         time.Now,
		metrics:     metrics.Get(),
		logger:      logger.With().Str("component", "segment-writer").Logger(),
	}
}

// SetClock replaces the clock used for segment names and skew warnings
func (w *SegmentWriter) SetClock(now func() time.Time) { w.now = now }

// SetMetrics replaces the process-wide metrics collector
func (w *SegmentWriter) SetMetrics(m *metrics.Metrics) { w.metrics = m }

// Write stores every record and returns the written segments in input
// order. Records stay owned by the caller. On error, segments stored
// before the failure are left in place.
func (w *SegmentWriter) Write(ctx context.Context, records []TableRecord) ([]Segment, error) {
	start := time.Now()
	out := make([]Segment, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for i, rec := range records {
		g.Go(func() error {
			seg, err := w.writeOne(gctx, rec)
			if err != nil {
				return err
			}
			out[i] = seg
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(out) > 0 {
		w.logger.Info().
			Int("segments", len(out)).
			Dur("duration", time.Since(start)).
			Str("backend", w.storage.Type()).
			Msg("Segments written")
	}
	return out, nil
}

func (w *SegmentWriter) writeOne(ctx context.Context, rec TableRecord) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}

	measurement := rec.Table.Measure
	partition := PartitionTime(rec).UTC()
	w.warnSkew(measurement, rec.Table.Name, partition)

	data, err := w.parquet.Encode(rec.Record)
	if err != nil {
		return Segment{}, fmt.Errorf("failed to encode %s/%s: %w", measurement, rec.Table.Name, err)
	}

	path := SegmentPath(measurement, rec.Table.Name, partition, w.now())
	if err := w.storage.Write(ctx, path, data); err != nil {
		w.metrics.IncStorageErrors()
		return Segment{}, fmt.Errorf("failed to write to storage: %w", err)
	}

	w.metrics.IncSegmentsWritten()
	w.metrics.IncStorageWriteBytes(int64(len(data)))

	w.logger.Debug().
		Str("storage_path", path).
		Int64("rows", rec.Record.NumRows()).
		Int("size_bytes", len(data)).
		Msg("Wrote segment")

	return Segment{
		Measurement: measurement,
		Table:       rec.Table.Name,
		Path:        path,
		Rows:        rec.Record.NumRows(),
		Size:        len(data),
		Partition:   partition,
	}, nil
}

func (w *SegmentWriter) warnSkew(measurement, table string, partition time.Time) {
	now := w.now().UTC()
	switch {
	case partition.Before(now.Add(-backfillWarnAge)):
		w.logger.Warn().
			Time("data_time", partition).
			Str("measurement", measurement).
			Str("table", table).
			Msg("Data timestamp is >7 days old - possible backfill or clock skew")
	case partition.After(now.Add(futureWarnSkew)):
		w.logger.Warn().
			Time("data_time", partition).
			Str("measurement", measurement).
			Str("table", table).
			Msg("Data timestamp is >1 hour in future - possible clock skew")
	}
}
