// Package docstore is the collection/document persistence layer used by the
// access control, audit and encryption services.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	ErrNotFound    = errors.New("docstore: not found")
	ErrUnavailable = errors.New("docstore: unavailable")
	ErrConflict    = errors.New("docstore: conflict")
	ErrInvalid     = errors.New("docstore: invalid request")
)

// TimeLayout is the fixed-width UTC form every backend stores times in, so
// ordering the text equals ordering the instants.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store clock when a document is written.
var ServerTimestamp = serverTimestamp{}

// Document is a stored document with its key.
type Document struct {
	ID   string
	Data map[string]any
}

// String returns the field as a string, or "" when absent or of another type.
func (d Document) String(field string) string {
	s, _ := d.Data[field].(string)
	return s
}

// Time parses a stored time field.
func (d Document) Time(field string) (time.Time, bool) {
	return ParseTime(d.Data[field])
}

// SetOptions controls Set.
type SetOptions struct {
	Merge bool
}

// Filter restricts a query on one top-level field.
type Filter struct {
	Field string
	Op    string // ==, <, <=, >, >=
	Value any
}

// OrderBy sorts a query by one top-level field. Documents missing the field are skipped.
type OrderBy struct {
	Field string
	Desc  bool
}

// Query describes a single-collection read.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    *OrderBy
	Limit      int
}

// Where appends an equality or range filter.
func (q Query) Where(field, op string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Store is the document store contract.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, data map[string]any, opts SetOptions) error
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// Create writes the document only when no document with that id exists.
	// It reports whether this call created it.
	Create(ctx context.Context, collection, id string, data map[string]any) (bool, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	Commit(ctx context.Context, b *Batch) error
	Ping(ctx context.Context) error
}

// OpKind enumerates batch operations.
type OpKind int

const (
	OpSet OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one batched mutation.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Data       map[string]any
	Merge      bool
}

// Batch groups mutations that are committed atomically.
type Batch struct {
	ops []Op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Set queues a create/overwrite (or merge when merge is true).
func (b *Batch) Set(collection, id string, data map[string]any, merge bool) *Batch {
	b.ops = append(b.ops, Op{Kind: OpSet, Collection: collection, ID: id, Data: data, Merge: merge})
	return b
}

// Update queues a field merge into an existing document. The commit fails with
// ErrNotFound when the document does not exist.
func (b *Batch) Update(collection, id string, data map[string]any) *Batch {
	b.ops = append(b.ops, Op{Kind: OpUpdate, Collection: collection, ID: id, Data: data})
	return b
}

// Delete queues a delete. Deleting a missing document is not an error.
func (b *Batch) Delete(collection, id string) *Batch {
	b.ops = append(b.ops, Op{Kind: OpDelete, Collection: collection, ID: id})
	return b
}

// Ops returns the queued operations.
func (b *Batch) Ops() []Op {
	if b == nil {
		return nil
	}
	return append([]Op(nil), b.ops...)
}

// Len reports the number of queued operations.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts stored time text or a time.Time value.
func ParseTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC(), true
	case string:
		if t, err := time.Parse(TimeLayout, tv); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339Nano, tv); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Normalize rewrites time values and ServerTimestamp sentinels into TimeLayout
// text, recursing into nested maps and slices.
func Normalize(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = normalizeValue(v, now)
	}
	return out
}

func normalizeValue(v any, now time.Time) any {
	switch tv := v.(type) {
	case serverTimestamp:
		return FormatTime(now)
	case time.Time:
		return FormatTime(tv)
	case *time.Time:
		if tv == nil {
			return nil
		}
		return FormatTime(*tv)
	case map[string]any:
		return Normalize(tv, now)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalizeValue(item, now)
		}
		return out
	default:
		return v
	}
}

// encode normalizes and marshals a document body.
func encode(data map[string]any, now time.Time) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(Normalize(data, now))
	if err != nil {
		return nil, fmt.Errorf("%w: encode document: %v", ErrInvalid, err)
	}
	return raw, nil
}

func decode(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode document: %v", ErrUnavailable, err)
	}
	return out, nil
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateQuery(q Query) error {
	if q.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalid)
	}
	for _, f := range q.Filters {
		if !fieldPattern.MatchString(f.Field) {
			return fmt.Errorf("%w: field %q", ErrInvalid, f.Field)
		}
		switch f.Op {
		case "==", "<", "<=", ">", ">=":
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalid, f.Op)
		}
	}
	if q.OrderBy != nil && !fieldPattern.MatchString(q.OrderBy.Field) {
		return fmt.Errorf("%w: order field %q", ErrInvalid, q.OrderBy.Field)
	}
	return nil
}

func validateKey(collection, id string) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: collection and id are required", ErrInvalid)
	}
	return nil
}

// filterText renders a filter value the way it is stored as JSON text.
func filterText(v any, now time.Time) string {
	switch tv := normalizeValue(v, now).(type) {
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(tv)
	}
}

// numericFilter reports whether a filter value compares as a number rather
// than as text.
func numericFilter(v any, now time.Time) (float64, bool) {
	return toFloat(normalizeValue(v, now))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
