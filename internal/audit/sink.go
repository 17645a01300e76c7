package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/kv"
	"nutriguard.org/internal/obs"
)

// FallbackKey is the local storage key mirroring the fallback buffer.
const FallbackKey = "audit_logs_fallback"

// DefaultFallbackCapacity bounds the fallback buffer.
const DefaultFallbackCapacity = 100

// Sink accepts audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// DocumentSink writes records into the audit collection. Records are keyed by
// their id so a replayed record never duplicates.
type DocumentSink struct {
	store      docstore.Store
	collection string
}

// NewDocumentSink builds the primary sink.
func NewDocumentSink(store docstore.Store) *DocumentSink {
	return &DocumentSink{store: store, collection: Collection}
}

func (s *DocumentSink) Write(ctx context.Context, rec Record) error {
	if s == nil || s.store == nil {
		return errors.New("audit: document sink not configured")
	}
	if rec.ID == "" {
		_, err := s.store.Add(ctx, s.collection, rec.document())
		return err
	}
	return s.store.Set(ctx, s.collection, rec.ID, rec.document(), docstore.SetOptions{})
}

// FallbackEntry is what the fallback buffer keeps for one record.
type FallbackEntry struct {
	ID          string         `json:"id"`
	EventType   string         `json:"eventType"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data"`
	UserID      string         `json:"userId,omitempty"`
	UserEmail   string         `json:"userEmail,omitempty"`
	IPAddress   string         `json:"ipAddress,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	Environment string         `json:"environment,omitempty"`
}

func entryFromRecord(rec Record) FallbackEntry {
	return FallbackEntry{
		ID:          rec.ID,
		EventType:   rec.EventType,
		Timestamp:   rec.ClientTimestamp,
		Data:        rec.Data,
		UserID:      rec.UserID,
		UserEmail:   rec.UserEmail,
		IPAddress:   rec.IPAddress,
		UserAgent:   rec.UserAgent,
		Environment: rec.Environment,
	}
}

func (e FallbackEntry) record() Record {
	return Record{
		ID:              e.ID,
		EventType:       e.EventType,
		ClientTimestamp: e.Timestamp,
		UserID:          e.UserID,
		UserEmail:       e.UserEmail,
		IPAddress:       e.IPAddress,
		UserAgent:       e.UserAgent,
		Data:            e.Data,
		Environment:     e.Environment,
	}
}

// FallbackBuffer is the bounded local ring used when the primary sink fails.
// When full the oldest entry is evicted. A kv store, when attached, mirrors the
// buffer under FallbackKey so it survives restarts.
type FallbackBuffer struct {
	mu       sync.Mutex
	entries  []FallbackEntry
	capacity int
	mirror   kv.Store
	logger   *slog.Logger
}

// NewFallbackBuffer returns an empty buffer. capacity <= 0 uses DefaultFallbackCapacity.
func NewFallbackBuffer(capacity int, mirror kv.Store, logger *slog.Logger) *FallbackBuffer {
	if capacity <= 0 {
		capacity = DefaultFallbackCapacity
	}
	return &FallbackBuffer{capacity: capacity, mirror: mirror, logger: obs.ResolveLogger(logger)}
}

// Restore loads a previously mirrored buffer.
func (b *FallbackBuffer) Restore(ctx context.Context) error {
	if b.mirror == nil {
		return nil
	}
	raw, err := b.mirror.Get(ctx, FallbackKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: restore fallback: %w", err)
	}
	var entries []FallbackEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("audit: decode fallback: %w", err)
	}
	b.mu.Lock()
	b.entries = nil
	for _, e := range entries {
		b.appendLocked(e)
	}
	n := len(b.entries)
	b.mu.Unlock()
	obs.SetAuditFallbackSize(n)
	return nil
}

func (b *FallbackBuffer) Write(ctx context.Context, rec Record) error {
	b.mu.Lock()
	b.appendLocked(entryFromRecord(rec))
	snapshot := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(ctx, snapshot)
	return nil
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *FallbackBuffer) Entries() []FallbackEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Len reports the number of buffered entries.
func (b *FallbackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Drain removes and returns every buffered entry.
func (b *FallbackBuffer) Drain(ctx context.Context) []FallbackEntry {
	b.mu.Lock()
	out := b.entries
	b.entries = nil
	b.mu.Unlock()
	b.persist(ctx, nil)
	return out
}

// Requeue puts entries back ahead of anything written since they were drained.
func (b *FallbackBuffer) Requeue(ctx context.Context, entries []FallbackEntry) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	current := b.entries
	b.entries = nil
	for _, e := range entries {
		b.appendLocked(e)
	}
	for _, e := range current {
		b.appendLocked(e)
	}
	snapshot := b.snapshotLocked()
	b.mu.Unlock()
	b.persist(ctx, snapshot)
}

func (b *FallbackBuffer) appendLocked(e FallbackEntry) {
	b.entries = append(b.entries, e)
	if over := len(b.entries) - b.capacity; over > 0 {
		b.entries = append([]FallbackEntry(nil), b.entries[over:]...)
	}
}

func (b *FallbackBuffer) snapshotLocked() []FallbackEntry {
	return append([]FallbackEntry(nil), b.entries...)
}

func (b *FallbackBuffer) persist(ctx context.Context, entries []FallbackEntry) {
	obs.SetAuditFallbackSize(len(entries))
	if b.mirror == nil {
		return
	}
	if entries == nil {
		entries = []FallbackEntry{}
	}
	raw, err := json.Marshal(entries)
	if err == nil {
		err = b.mirror.Set(ctx, FallbackKey, string(raw), 0)
	}
	if err != nil {
		b.logger.Warn("audit fallback mirror failed",
			"event", "audit_fallback_mirror_failed",
			"module", "audit",
			"layer", "sink",
			"error", err.Error(),
		)
	}
}
