package ingest

import (
	"bytes"
	"context"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentPath(t *testing.T) {
	partition := time.Date(2024, 3, 1, 9, 59, 59, 0, time.UTC)
	now := time.Date(2024, 3, 2, 10, 0, 0, 42, time.UTC)

	got := SegmentPath("cpu", "t_abc", partition, now)
	assert.Equal(t, "cpu/2024/03/01/09/t_abc_20240302_100000_000000042.parquet", got)

	// Partitions are in UTC regardless of the input zone
	est := time.FixedZone("EST", -5*3600)
	got = SegmentPath("cpu", "t_abc", partition.In(est), now.In(est))
	assert.Equal(t, "cpu/2024/03/01/09/t_abc_20240302_100000_000000042.parquet", got)
}

func TestSegmentPath_EscapesNames(t *testing.T) {
	partition := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	const suffix = "/2024/03/01/12/t_1_20240301_120000_000000000.parquet"

	tests := []struct {
		measurement string
		want        string
	}{
		{"cpu", "cpu" + suffix},
		{"x/../cpu", "x%2F..%2Fcpu" + suffix},
		{"..", "%2E%2E" + suffix},
		{".", "%2E" + suffix},
		{"../../etc", "..%2F..%2Fetc" + suffix},
		{`a\b`, "a%5Cb" + suffix},
		{"50%", "50%25" + suffix},
		{"cpu.usage", "cpu.usage" + suffix},
	}
	for _, tt := range tests {
		t.Run(tt.measurement, func(t *testing.T) {
			got := SegmentPath(tt.measurement, "t_1", partition, now)
			assert.Equal(t, tt.want, got)
			assert.NotEqual(t, "..", strings.Split(got, "/")[0], "path escapes the store root")
		})
	}

	// The traversal spelling of cpu gets its own directory
	assert.NotEqual(t,
		path.Dir(path.Dir(SegmentPath("cpu", "t_1", partition, now))),
		path.Dir(path.Dir(SegmentPath("x/../cpu", "t_1", partition, now))))
}

func TestParquetWriter_EncodeRoundTrip(t *testing.T) {
	for _, compression := range []string{"snappy", "gzip", "zstd", "none"} {
		t.Run(compression, func(t *testing.T) {
			cfg := testIngestConfig()
			cfg.Compression = compression
			cfg.UseDictionary = true
			cfg.WriteStatistics = true
			cfg.DataPageVersion = "2.0"
			w := NewParquetWriter(cfg, zerolog.Nop())

			sink := NewArrowSink(nil)
			defer sink.Release()

			meta := models.NewTableMeta("cpu", models.PrecisionMilli,
				models.Column{Type: models.TypeDouble},
				[]models.Column{{Name: "host", Type: models.TypeNChar, Bytes: 8}})
			table := &ChildTable{Measure: "cpu", Name: "t_1", Tags: []models.TypedValue{
				{Key: "host", Type: models.TypeNChar, S: "a", Length: 1},
			}}
			b, err := sink.Allocate(meta, table)
			require.NoError(t, err)

			for _, ts := range []int64{1700000002000, 1700000000000, 1700000001000} {
				require.NoError(t, b.AppendColumn(meta.Columns,
					models.TypedValue{Key: "_ts", Type: models.TypeTimestamp, I: ts}, 0))
				require.NoError(t, b.AppendColumn(meta.Columns,
					models.TypedValue{Key: "_value", Type: models.TypeDouble, F: 1}, 1))
				require.NoError(t, b.FinalizeRow())
			}

			records := sink.Records()
			require.Len(t, records, 1)
			defer records[0].Record.Release()

			assert.Equal(t, time.UnixMilli(1700000000000).UTC(), PartitionTime(records[0]).UTC())

			data, err := w.Encode(records[0].Record)
			require.NoError(t, err)
			require.True(t, bytes.HasPrefix(data, []byte("PAR1")))

			tbl, err := pqarrow.ReadTable(context.Background(), bytes.NewReader(data),
				parquet.NewReaderProperties(memory.DefaultAllocator),
				pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
			require.NoError(t, err)
			defer tbl.Release()

			assert.Equal(t, int64(3), tbl.NumRows())
			assert.Equal(t, int64(3), tbl.NumCols())
			assert.Equal(t, "host", tbl.Schema().Field(2).Name)
		})
	}
}
