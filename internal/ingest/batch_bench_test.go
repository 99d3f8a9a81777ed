package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/basekick-labs/schemaless/internal/catalog"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

type benchPoint struct {
	Metric    string            `json:"metric" msgpack:"metric"`
	Timestamp int64             `json:"timestamp" msgpack:"timestamp"`
	Value     float64           `json:"value" msgpack:"value"`
	Tags      map[string]string `json:"tags" msgpack:"tags"`
}

// generateIOTPoints builds a deterministic batch over a few measurements and
// a thousand hosts
func generateIOTPoints(n int) []benchPoint {
	rng := rand.New(rand.NewSource(1))
	measurements := []string{"cpu", "mem", "disk", "net"}
	hosts := make([]string, 1000)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("server%03d", i)
	}

	points := make([]benchPoint, n)
	base := int64(1700000000000)
	for i := range points {
		points[i] = benchPoint{
			Metric:    measurements[rng.Intn(len(measurements))],
			Timestamp: base + int64(i),
			Value:     rng.Float64() * 100,
			Tags:      map[string]string{"host": hosts[rng.Intn(len(hosts))]},
		}
	}
	return points
}

func benchCatalog(b *testing.B) *catalog.Memory {
	b.Helper()
	cat := catalog.NewMemory()
	for _, m := range []string{"cpu", "mem", "disk", "net"} {
		_, err := cat.Apply(context.Background(), models.NewTableMeta(m, models.PrecisionMilli,
			models.Column{Type: models.TypeDouble},
			[]models.Column{{Name: "host", Type: models.TypeNChar, Bytes: 16}}))
		if err != nil {
			b.Fatal(err)
		}
	}
	return cat
}

func BenchmarkParseBatch_Generic(b *testing.B) {
	payload, err := json.Marshal(generateIOTPoints(1000))
	if err != nil {
		b.Fatal(err)
	}
	p := NewParser(testIngestConfig(), nil, zerolog.Nop())

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.ParseBatch(context.Background(), payload, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseBatch_FastPath(b *testing.B) {
	payload, err := json.Marshal(generateIOTPoints(1000))
	if err != nil {
		b.Fatal(err)
	}
	p := NewParser(testIngestConfig(), benchCatalog(b), zerolog.Nop())
	sink := NewArrowSink(nil)
	defer sink.Release()

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := p.ParseBatch(context.Background(), payload, sink)
		if err != nil {
			b.Fatal(err)
		}
		if res.Mode != ModeFast {
			b.Fatalf("mode = %s, want fast", res.Mode)
		}
		sink.Reset()
	}
}

func BenchmarkParseMsgPackBatch(b *testing.B) {
	payload, err := msgpack.Marshal(generateIOTPoints(1000))
	if err != nil {
		b.Fatal(err)
	}
	p := NewParser(testIngestConfig(), nil, zerolog.Nop())

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.ParseMsgPackBatch(context.Background(), payload, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseBatch_Gzip(b *testing.B) {
	payload, err := json.Marshal(generateIOTPoints(1000))
	if err != nil {
		b.Fatal(err)
	}
	compressed := gzipBytes(b, payload)
	p := NewParser(testIngestConfig(), nil, zerolog.Nop())

	b.SetBytes(int64(len(compressed)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.ParseBatch(context.Background(), compressed, nil); err != nil {
			b.Fatal(err)
		}
	}
}
