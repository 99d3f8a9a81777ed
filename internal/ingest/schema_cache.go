package ingest

import (
	"sort"
	"strconv"

	"github.com/basekick-labs/schemaless/pkg/models"
	"github.com/cespare/xxhash/v2"
)

// MeasurementSchema is the per-request cached view of one measurement: the
// authoritative table meta plus the positional tag templates observed in
// this batch. Template lengths only grow. The template is sealed after the
// first point that matched it; later points must repeat its tag count.
type MeasurementSchema struct {
	Meta    *models.TableMeta
	Tags    []models.TypedValue // key, type and max length; no data
	Version int
	Dirty   bool
	Sealed  bool
}

// Widen raises the recorded length of the tag template at pos. It returns
// false when length does not exceed the current one.
func (s *MeasurementSchema) Widen(pos, length int) bool {
	if length <= s.Tags[pos].Length {
		return false
	}
	s.Tags[pos].Length = length
	s.Version++
	s.Dirty = true
	return true
}

// ChildTable is one concrete table: a measurement plus one tag combination.
// Tags are copied from the first row that established the table and are not
// modified afterwards. Builder is set only in fast-path mode.
type ChildTable struct {
	Measure string
	Name    string
	UID     uint64
	Tags    []models.TypedValue
	Builder RowBuilder
}

// SchemaChange records a variable-length column or tag that must be widened
// in the catalog before rows of this batch are stored.
type SchemaChange struct {
	Measurement string
	Column      string
	Type        models.DataType
	Length      int
}

// schemaCache maps measurement names to their cached schema.
type schemaCache struct {
	byName map[string]*MeasurementSchema
	order  []string
}

func newSchemaCache() *schemaCache {
	return &schemaCache{byName: make(map[string]*MeasurementSchema)}
}

func (c *schemaCache) get(name string) *MeasurementSchema {
	return c.byName[name]
}

func (c *schemaCache) set(name string, s *MeasurementSchema) {
	if _, ok := c.byName[name]; !ok {
		c.order = append(c.order, name)
	}
	c.byName[name] = s
}

// snapshot returns the cached schemas in first-seen order.
func (c *schemaCache) snapshot() map[string]*MeasurementSchema {
	out := make(map[string]*MeasurementSchema, len(c.byName))
	for _, name := range c.order {
		out[name] = c.byName[name]
	}
	return out
}

// tableCache maps a canonical (measurement, tag set) key to its child table.
// Keys are the full canonical serialization so lookups test content
// equality, not hash equality. Payloads that spell the same typed tag set
// differently share one table through byIdent.
type tableCache struct {
	byKey   map[string]*ChildTable
	byIdent map[string]*ChildTable
	order   []*ChildTable
}

func newTableCache() *tableCache {
	return &tableCache{
		byKey:   make(map[string]*ChildTable),
		byIdent: make(map[string]*ChildTable),
	}
}

func (c *tableCache) get(key string) *ChildTable {
	return c.byKey[key]
}

// identified returns the table already registered under the typed tag set
// identity, if any
func (c *tableCache) identified(ident string) *ChildTable {
	return c.byIdent[ident]
}

func (c *tableCache) set(key, ident string, t *ChildTable) {
	c.byKey[key] = t
	if _, ok := c.byIdent[ident]; !ok {
		c.byIdent[ident] = t
		c.order = append(c.order, t)
	}
}

// childTableKey serializes a measurement and its raw tag node. Member order
// is significant.
func childTableKey(measure string, tags *Node) string {
	buf := make([]byte, 0, 64)
	buf = appendLenPrefixed(buf, measure)
	buf = tags.appendCanonical(buf)
	return string(buf)
}

// childTableIdentity serializes the measurement and its tags sorted by key,
// so tag order in the payload does not change the table a row lands in.
// Every key and value is length-prefixed. The table name and uid are the
// xxhash of that serialization.
func childTableIdentity(measure string, tags []models.TypedValue) (ident, name string, uid uint64) {
	sorted := models.CloneValues(tags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	buf := make([]byte, 0, 64)
	buf = appendLenPrefixed(buf, measure)
	for _, kv := range sorted {
		buf = appendLenPrefixed(buf, kv.Key)
		buf = append(buf, byte(kv.Type))
		buf = appendLenPrefixed(buf, formatValue(kv))
	}
	uid = xxhash.Sum64(buf)
	return string(buf), "t_" + strconv.FormatUint(uid, 16), uid
}

// formatValue renders a typed value's payload as text. Negative zero renders
// as 0.
func formatValue(v models.TypedValue) string {
	if v.F == 0 {
		v.F = 0
	}
	switch v.Type {
	case models.TypeBool:
		return strconv.FormatBool(v.I != 0)
	case models.TypeTinyInt, models.TypeSmallInt, models.TypeInt, models.TypeBigInt, models.TypeTimestamp:
		return strconv.FormatInt(v.I, 10)
	case models.TypeFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 32)
	case models.TypeDouble:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	default:
		return v.S
	}
}
