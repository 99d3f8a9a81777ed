package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/schemaless/internal/config"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/rs/zerolog"
)

// ParquetWriter encodes child table records as Parquet files
type ParquetWriter struct {
	compression     compress.Compression
	useDictionary   bool
	writeStatistics bool
	dataPageVersion string

	logger zerolog.Logger
}

// NewParquetWriter creates a Parquet writer
func NewParquetWriter(cfg *config.IngestConfig, logger zerolog.Logger) *ParquetWriter {
	var comp compress.Compression
	switch cfg.Compression {
	case "gzip":
		comp = compress.Codecs.Gzip
	case "zstd":
		comp = compress.Codecs.Zstd
	case "none":
		comp = compress.Codecs.Uncompressed
	default:
		comp = compress.Codecs.Snappy
	}

	return &ParquetWriter{
		compression:     comp,
		useDictionary:   cfg.UseDictionary,
		writeStatistics: cfg.WriteStatistics,
		dataPageVersion: cfg.DataPageVersion,
		logger:          logger.With().Str("component", "parquet-writer").Logger(),
	}
}

// Encode writes record to Parquet bytes
func (w *ParquetWriter) Encode(record arrow.Record) ([]byte, error) {
	var buf bytes.Buffer

	writerOpts := []parquet.WriterProperty{
		parquet.WithCompression(w.compression),
		parquet.WithDictionaryDefault(w.useDictionary),
		parquet.WithStats(w.writeStatistics),
	}
	if w.dataPageVersion == "2.0" {
		writerOpts = append(writerOpts, parquet.WithDataPageVersion(parquet.DataPageV2))
	}
	writerProps := parquet.NewWriterProperties(writerOpts...)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(record.Schema(), &buf, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}

	w.logger.Debug().
		Int("columns", int(record.NumCols())).
		Int64("rows", record.NumRows()).
		Int("size", buf.Len()).
		Msg("Encoded Parquet segment")

	return buf.Bytes(), nil
}

// PartitionTime returns the earliest timestamp of a child table record, or
// the zero time for an empty record
func PartitionTime(rec TableRecord) time.Time {
	if rec.Record.NumRows() == 0 {
		return time.Time{}
	}
	col, ok := rec.Record.Column(tsFieldIndex).(*array.Timestamp)
	if !ok {
		return time.Time{}
	}

	minTS := col.Value(0)
	for i := 1; i < col.Len(); i++ {
		if v := col.Value(i); v < minTS {
			minTS = v
		}
	}

	unit := arrow.Nanosecond
	switch rec.Meta.Precision {
	case models.PrecisionMilli:
		unit = arrow.Millisecond
	case models.PrecisionMicro:
		unit = arrow.Microsecond
	}
	return minTS.ToTime(unit)
}

// SegmentPath builds the storage path of a child table segment:
// {measurement}/{YYYY}/{MM}/{DD}/{HH}/{child}_{stamp}_{nanos}.parquet,
// partitioned by the segment's earliest row and named by write time.
// Measurement and child names are escaped into a single path segment each.
func SegmentPath(measurement, child string, partition, now time.Time) string {
	partition = partition.UTC()
	now = now.UTC()
	file := fmt.Sprintf("%s_%s_%09d.parquet", pathSegment(child), now.Format("20060102_150405"), now.Nanosecond())
	return path.Join(pathSegment(measurement),
		partition.Format("2006"), partition.Format("01"), partition.Format("02"), partition.Format("15"),
		file)
}

// pathSegment percent-escapes name so it cannot add, remove or climb path
// levels. Distinct names stay distinct.
func pathSegment(name string) string {
	seg := url.PathEscape(name)
	if seg == "." || seg == ".." {
		seg = strings.ReplaceAll(seg, ".", "%2E")
	}
	return seg
}
