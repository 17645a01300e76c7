package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nutriguard.org/internal/ids"
)

// MemoryStore keeps documents in process. Bodies are stored as JSON so values
// read back with the same types the SQL backends return.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
	now  func() time.Time
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for ServerTimestamp.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{docs: map[string]map[string][]byte{}, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := validateKey(collection, id); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	raw, ok := m.docs[collection][id]
	m.mu.RUnlock()
	if !ok {
		return Document{}, ErrNotFound
	}
	data, err := decode(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, data map[string]any, opts SetOptions) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(collection, id, data, opts.Merge, false)
}

func (m *MemoryStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := ids.New()
	if err := m.Set(ctx, collection, id, data, SetOptions{}); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryStore) Create(ctx context.Context, collection, id string, data map[string]any) (bool, error) {
	if err := validateKey(collection, id); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[collection][id]; exists {
		return false, nil
	}
	if err := m.setLocked(collection, id, data, false, false); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], id)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	now := m.now()
	m.mu.RLock()
	var out []Document
	for id, raw := range m.docs[q.Collection] {
		data, err := decode(raw)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		if !matches(data, q.Filters, now) {
			continue
		}
		if q.OrderBy != nil {
			if _, ok := data[q.OrderBy.Field]; !ok {
				continue
			}
		}
		out = append(out, Document{ID: id, Data: data})
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy == nil {
			return out[i].ID < out[j].ID
		}
		c, _ := compareValues(out[i].Data[q.OrderBy.Field], out[j].Data[q.OrderBy.Field])
		if c == 0 {
			if q.OrderBy.Desc {
				return out[i].ID > out[j].ID
			}
			return out[i].ID < out[j].ID
		}
		if q.OrderBy.Desc {
			return c > 0
		}
		return c < 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Commit applies every op or none.
func (m *MemoryStore) Commit(ctx context.Context, b *Batch) error {
	ops := b.Ops()
	for _, op := range ops {
		if err := validateKey(op.Collection, op.ID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]map[string][]byte, len(m.docs))
	for c, docs := range m.docs {
		copied := make(map[string][]byte, len(docs))
		for id, raw := range docs {
			copied[id] = raw
		}
		snapshot[c] = copied
	}
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpSet:
			err = m.setLocked(op.Collection, op.ID, op.Data, op.Merge, false)
		case OpUpdate:
			err = m.setLocked(op.Collection, op.ID, op.Data, true, true)
		case OpDelete:
			delete(m.docs[op.Collection], op.ID)
		default:
			err = fmt.Errorf("%w: unknown batch op %d", ErrInvalid, op.Kind)
		}
		if err != nil {
			m.docs = snapshot
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) setLocked(collection, id string, data map[string]any, merge, mustExist bool) error {
	docs, ok := m.docs[collection]
	if !ok {
		docs = map[string][]byte{}
		m.docs[collection] = docs
	}
	existing, exists := docs[id]
	if mustExist && !exists {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	body := data
	if merge && exists {
		current, err := decode(existing)
		if err != nil {
			return err
		}
		for k, v := range data {
			current[k] = v
		}
		body = current
	}
	raw, err := encode(body, m.now())
	if err != nil {
		return err
	}
	docs[id] = raw
	return nil
}

func matches(data map[string]any, filters []Filter, now time.Time) bool {
	for _, f := range filters {
		got, ok := data[f.Field]
		if !ok {
			return false
		}
		c, comparable := compareValues(got, normalizeValue(f.Value, now))
		if !comparable {
			return false
		}
		switch f.Op {
		case "==":
			if c != 0 {
				return false
			}
		case "<":
			if c >= 0 {
				return false
			}
		case "<=":
			if c > 0 {
				return false
			}
		case ">":
			if c <= 0 {
				return false
			}
		case ">=":
			if c < 0 {
				return false
			}
		}
	}
	return true
}

// compareValues orders two JSON scalars of the same kind.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
