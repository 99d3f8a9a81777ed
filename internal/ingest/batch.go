package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/schemaless/internal/catalog"
	"github.com/basekick-labs/schemaless/internal/config"
	"github.com/basekick-labs/schemaless/internal/metrics"
	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode is the write path a batch completed on.
type Mode uint8

const (
	ModeFast Mode = iota
	ModeGeneric
)

func (m Mode) String() string {
	if m == ModeFast {
		return "fast"
	}
	return "generic"
}

// payloadFormat selects the decoder for a batch
type payloadFormat uint8

const (
	formatJSON payloadFormat = iota
	formatMsgPack
)

// Result describes a successfully parsed batch. In fast mode the rows live
// in the sink's builders and Lines is empty; in generic mode Lines holds
// every row in payload order.
type Result struct {
	RequestID     string
	Mode          Mode
	Points        int
	Reruns        int
	Compressed    bool
	Lines         []*Line
	Tables        []*ChildTable
	Schemas       map[string]*MeasurementSchema // fast mode only
	SchemaChanges []SchemaChange
}

// Parser turns schemaless json (or msgpack) payloads into typed rows.
// A Parser holds no per-batch state and is safe for concurrent use; each
// call gets its own caches.
type Parser struct {
	resolver catalog.Resolver
	coercer  *Coercer
	limits   Limits
	fastPath bool
	maxSize  int64
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewParser creates a parser. resolver may be nil when the fast path is
// never used.
func NewParser(cfg *config.IngestConfig, resolver catalog.Resolver, logger zerolog.Logger) *Parser {
	limits := DefaultLimits()
	if cfg.MaxMeasurementLen > 0 {
		limits.MaxMeasurementLen = cfg.MaxMeasurementLen
	}
	if cfg.MaxTagKeyLen > 0 {
		limits.MaxTagKeyLen = cfg.MaxTagKeyLen
	}
	if cfg.MaxBinaryLen > VarHeaderSize {
		limits.MaxBinaryLen = cfg.MaxBinaryLen
	}
	if cfg.MaxNCharLen > VarHeaderSize {
		limits.MaxNCharLen = cfg.MaxNCharLen
	}

	defaultString, _ := models.ParseDataType(cfg.DefaultStringType)

	return &Parser{
		resolver: resolver,
		coercer:  NewCoercer(defaultString, limits),
		limits:   limits,
		fastPath: cfg.FastPath && resolver != nil,
		maxSize:  cfg.MaxPayloadSize,
		now:      time.Now,
		metrics:  metrics.Get(),
		logger:   logger.With().Str("component", "sml-parser").Logger(),
	}
}

// SetClock replaces the wall clock used for zero timestamps
func (p *Parser) SetClock(now func() time.Time) {
	p.now = now
}

// SetMetrics replaces the process-wide metrics collector
func (p *Parser) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// ParseBatch parses a json payload. With a non-nil sink and the fast path
// enabled, rows are written straight into sink builders while the catalog
// schema holds; otherwise, or after a rerun, they are returned as Lines.
func (p *Parser) ParseBatch(ctx context.Context, payload []byte, sink RowSink) (*Result, error) {
	return p.parse(ctx, payload, sink, formatJSON)
}

// ParseMsgPackBatch parses the same data point model encoded as MessagePack.
func (p *Parser) ParseMsgPackBatch(ctx context.Context, payload []byte, sink RowSink) (*Result, error) {
	return p.parse(ctx, payload, sink, formatMsgPack)
}

func (p *Parser) parse(ctx context.Context, payload []byte, sink RowSink, format payloadFormat) (*Result, error) {
	start := time.Now()
	p.metrics.IncBatches()
	p.metrics.IncPayloadBytes(int64(len(payload)))
	if format == formatMsgPack {
		p.metrics.IncMsgPackBatches()
	}

	st := newRequestState(uuid.NewString(), sink, p.fastPath && sink != nil)
	logger := p.logger.With().Str("request_id", st.id).Logger()

	res, err := p.run(ctx, st, payload, format, logger)
	p.metrics.RecordBatchLatency(time.Since(start).Microseconds())
	if err != nil {
		p.metrics.IncBatchesFailed()
		p.metrics.IncErrors(KindOf(err).String())
		if sink != nil {
			sink.Reset()
		}
		logger.Debug().Err(err).Msg("Batch rejected")
		return nil, err
	}

	p.metrics.IncPoints(int64(res.Points))
	p.metrics.IncChildTables(int64(len(res.Tables)))
	p.metrics.IncSchemaChanges(int64(len(res.SchemaChanges)))
	if res.Mode == ModeFast {
		p.metrics.IncFastRows(int64(st.fastRows))
	} else {
		p.metrics.IncGenericRows(int64(len(res.Lines)))
	}

	logger.Debug().
		Str("mode", res.Mode.String()).
		Int("points", res.Points).
		Int("tables", len(res.Tables)).
		Int("reruns", res.Reruns).
		Dur("duration", time.Since(start)).
		Msg("Parsed batch")

	return res, nil
}

// run drives the Init -> Iterating -> (Done | Rerunning -> Iterating) state
// machine. At most one rerun happens per batch.
func (p *Parser) run(ctx context.Context, st *requestState, payload []byte, format payloadFormat, logger zerolog.Logger) (*Result, error) {
	data, compressed, err := decodePayload(payload, p.maxSize)
	if err != nil {
		return nil, err
	}
	if compressed {
		p.metrics.IncCompressedBatches()
	}
	p.metrics.IncDecodedBytes(int64(len(data)))

	var root *Node
	if format == formatMsgPack {
		root, err = ParseMsgPack(data)
	} else {
		root, err = ParseJSON(data)
	}
	if err != nil {
		return nil, newFieldError(err, "", "")
	}

	points, err := batchElements(root)
	if err != nil {
		return nil, err
	}

	for {
		if err := p.pass(ctx, st, points); err != nil {
			return nil, err
		}
		if !st.rerun {
			break
		}
		if st.reruns > 0 {
			logger.Error().Int("index", st.rerunAt).Str("reason", st.rerunReason).Msg("Schema drift after rerun")
			return nil, withContext(fmt.Errorf("%w: %s", ErrInternalDrift, st.rerunReason), st.rerunAt, "")
		}

		logger.Info().
			Int("index", st.rerunAt).
			Str("reason", st.rerunReason).
			Msg("Schema drift in fast path, rerunning batch in generic mode")
		p.metrics.IncReruns()
		st.resetForRerun()
	}

	res := st.result(len(points))
	res.Compressed = compressed
	return res, nil
}

// pass processes every element in order, stopping at the first error or
// rerun signal
func (p *Parser) pass(ctx context.Context, st *requestState, points []*Node) error {
	for i, obj := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.parsePoint(ctx, st, i, obj); err != nil {
			return err
		}
		if st.rerun {
			return nil
		}
	}
	return nil
}

// batchElements treats a single object as a one-element batch and an array's
// direct children as the batch
func batchElements(root *Node) ([]*Node, error) {
	switch root.Kind {
	case NodeObject:
		return []*Node{root}, nil
	case NodeArray:
		return root.Items, nil
	default:
		return nil, newFieldError(ErrInvalidPayloadShape, "", root.String())
	}
}

// requestState is the per-call parser state
type requestState struct {
	id string

	fast        bool // rows go to sink builders
	rerun       bool // drift seen in this pass
	reruns      int
	rerunAt     int
	rerunReason string

	sink    RowSink
	schemas *schemaCache
	tables  *tableCache

	curSchema *MeasurementSchema
	curTable  *ChildTable

	prevMeasure string
	prevTags    *Node
	prevKV      []models.TypedValue

	lines     []*Line
	fastRows  int
	changes   []SchemaChange
	changeIdx map[string]int
}

func newRequestState(id string, sink RowSink, fast bool) *requestState {
	return &requestState{
		id:        id,
		fast:      fast,
		sink:      sink,
		schemas:   newSchemaCache(),
		tables:    newTableCache(),
		changeIdx: make(map[string]int),
	}
}

// signalRerun abandons the fast path for the rest of the batch
func (st *requestState) signalRerun(reason string) {
	st.rerun = true
	st.fast = false
	st.rerunReason = reason
}

// resetForRerun discards everything the aborted pass produced
func (st *requestState) resetForRerun() {
	if st.sink != nil {
		st.sink.Reset()
	}
	st.reruns++
	st.rerun = false
	st.fast = false
	st.schemas = newSchemaCache()
	st.tables = newTableCache()
	st.curSchema = nil
	st.curTable = nil
	st.prevMeasure = ""
	st.prevTags = nil
	st.prevKV = nil
	st.lines = nil
	st.fastRows = 0
	st.changes = nil
	st.changeIdx = make(map[string]int)
}

// recordChange notes that column of measurement must grow to length bytes
func (st *requestState) recordChange(measurement, column string, typ models.DataType, length int) {
	key := measurement + "\x00" + column
	if i, ok := st.changeIdx[key]; ok {
		if length > st.changes[i].Length {
			st.changes[i].Length = length
		}
		return
	}
	st.changeIdx[key] = len(st.changes)
	st.changes = append(st.changes, SchemaChange{
		Measurement: measurement,
		Column:      column,
		Type:        typ,
		Length:      length,
	})
}

func (st *requestState) result(points int) *Result {
	res := &Result{
		RequestID:     st.id,
		Mode:          ModeGeneric,
		Points:        points,
		Reruns:        st.reruns,
		Tables:        st.tables.order,
		SchemaChanges: st.changes,
	}
	if st.fast {
		res.Mode = ModeFast
		res.Schemas = st.schemas.snapshot()
	} else {
		res.Lines = st.lines
	}
	return res
}
