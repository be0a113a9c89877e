package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
)

// Memory is a mutex-guarded in-process Store used by tests and
// single-node development deployments.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]*memRecord
	seq  uint64
}

type memRecord struct {
	raw     []byte
	fields  map[string]interface{}
	version int64
	seq     uint64
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]*memRecord)}
}

// Put implements Store.Put
func (m *Memory) Put(ctx context.Context, collection, id string, value interface{}) error {
	if v, ok := value.(Versioned); ok {
		v.SetVersion(1)
	}
	raw, fields, err := encodeDoc(value)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode record")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.data[collection]
	if col == nil {
		col = make(map[string]*memRecord)
		m.data[collection] = col
	}
	if _, exists := col[id]; exists {
		return ErrConflict(collection, id)
	}
	m.seq++
	col[id] = &memRecord{raw: raw, fields: fields, version: 1, seq: m.seq}
	return nil
}

// Get implements Store.Get
func (m *Memory) Get(ctx context.Context, collection, id string, out interface{}) error {
	m.mu.RLock()
	rec, ok := m.data[collection][id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound(collection, id)
	}
	return json.Unmarshal(rec.raw, out)
}

// Update implements Store.Update
func (m *Memory) Update(ctx context.Context, collection, id string, expectedVersion int64, value interface{}) error {
	if v, ok := value.(Versioned); ok {
		v.SetVersion(expectedVersion + 1)
	}
	raw, fields, err := encodeDoc(value)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode record")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound(collection, id)
	}
	if rec.version != expectedVersion {
		return ErrConflict(collection, id)
	}
	rec.raw = raw
	rec.fields = fields
	rec.version = expectedVersion + 1
	return nil
}

// Delete implements Store.Delete
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[collection][id]; !ok {
		return ErrNotFound(collection, id)
	}
	delete(m.data[collection], id)
	return nil
}

// Query implements Store.Query
func (m *Memory) Query(ctx context.Context, collection string, q Query, out interface{}) error {
	raws := m.matching(collection, q)

	// Join documents into one JSON array so out can be any *[]T
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, raw := range raws {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return json.Unmarshal(buf.Bytes(), out)
}

// Count implements Store.Count
func (m *Memory) Count(ctx context.Context, collection string, q Query) (int, error) {
	return len(m.matching(collection, q)), nil
}

// Stream implements Store.Stream over a point-in-time snapshot
func (m *Memory) Stream(ctx context.Context, collection string, q Query) (Iterator, error) {
	return &sliceIterator{raws: m.matching(collection, q), idx: -1}, nil
}

// Ping implements Store.Ping
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store.Close
func (m *Memory) Close() error { return nil }

func (m *Memory) matching(collection string, q Query) [][]byte {
	m.mu.RLock()
	snapshot := make([]*memRecord, 0, len(m.data[collection]))
	for _, rec := range m.data[collection] {
		if matches(collection, rec.fields, q.Filters) {
			snapshot = append(snapshot, rec)
		}
	}
	m.mu.RUnlock()

	// Insertion order first so equal sort keys stay FIFO
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })
	if q.OrderBy != "" {
		ft := fieldType(collection, q.OrderBy)
		sort.SliceStable(snapshot, func(i, j int) bool {
			c := compareValues(snapshot[i].fields[q.OrderBy], snapshot[j].fields[q.OrderBy], ft)
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(snapshot) > q.Limit {
		snapshot = snapshot[:q.Limit]
	}

	raws := make([][]byte, len(snapshot))
	for i, rec := range snapshot {
		raws[i] = rec.raw
	}
	return raws
}

func matches(collection string, fields map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		ft := fieldType(collection, f.Field)
		c := compareValues(fields[f.Field], normalizeValue(f.Value), ft)
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// encodeDoc marshals a value and re-decodes it into a field map used for
// filtering and sorting.
func encodeDoc(value interface{}) ([]byte, map[string]interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, err
	}
	return raw, fields, nil
}

// normalizeValue pushes a Go value through JSON so comparisons see the
// same domain as stored documents (strings, float64, bool, nil).
func normalizeValue(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// compareValues orders two JSON-domain values. Nil sorts first. Declared
// time fields compare chronologically regardless of fractional-second
// formatting.
func compareValues(a, b interface{}, ft FieldType) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	switch ft {
	case FieldTime:
		at, aok := parseTime(a)
		bt, bok := parseTime(b)
		if aok && bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	case FieldNumber:
		af, aok := a.(float64)
		bf, bok := b.(float64)
		if aok && bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}

	// Fall back to JSON text ordering for mixed types
	ar, _ := json.Marshal(a)
	br, _ := json.Marshal(b)
	return bytes.Compare(ar, br)
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type sliceIterator struct {
	raws [][]byte
	idx  int
	err  error
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		it.err = ctx.Err()
		return false
	}
	it.idx++
	return it.idx < len(it.raws)
}

func (it *sliceIterator) Scan(out interface{}) error {
	if it.idx < 0 || it.idx >= len(it.raws) {
		return errors.New(errors.KindInternal, "scan before next or after exhaustion")
	}
	return json.Unmarshal(it.raws[it.idx], out)
}

func (it *sliceIterator) Err() error   { return it.err }
func (it *sliceIterator) Close() error { return nil }
