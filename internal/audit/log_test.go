package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/netorigin"
)

type stubSink struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubSink) Write(context.Context, Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubSink) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestTrail(t *testing.T, opts ...Option) (*Trail, *docstore.MemoryStore) {
	t.Helper()
	clock := steppingClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := docstore.NewMemoryStore(docstore.WithMemoryClock(clock))
	opts = append([]Option{WithClock(clock), WithEnvironment("test")}, opts...)
	return NewTrail(store, opts...), store
}

func TestLogEventWritesRecord(t *testing.T) {
	trail, _ := newTestTrail(t, WithOrigin(netorigin.Static("203.0.113.7")))
	ctx := WithRequestID(context.Background(), "req-123")

	trail.LogEvent(ctx, Actor{ID: "user-42", Email: "a@example.org", UserAgent: "ua/1"}, "custom_event", map[string]any{"foo": "bar"})

	logs := trail.GetLogs(context.Background(), Filter{}, 0)
	if len(logs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(logs))
	}
	rec := logs[0]
	if rec.EventType != "custom_event" || rec.UserID != "user-42" || rec.UserEmail != "a@example.org" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.IPAddress != "203.0.113.7" {
		t.Fatalf("unexpected ip: %q", rec.IPAddress)
	}
	if rec.Environment != "test" || rec.UserAgent != "ua/1" {
		t.Fatalf("unexpected environment/agent: %+v", rec)
	}
	if rec.Data["foo"] != "bar" || rec.Data["requestId"] != "req-123" {
		t.Fatalf("unexpected data: %v", rec.Data)
	}
	if rec.Timestamp.IsZero() || rec.ClientTimestamp.IsZero() {
		t.Fatalf("timestamps missing: %+v", rec)
	}
}

func TestLogEventAnonymousActor(t *testing.T) {
	trail, _ := newTestTrail(t)
	trail.LogEvent(context.Background(), Actor{}, EventUserLogout, nil)

	logs := trail.GetLogs(context.Background(), Filter{}, 10)
	if len(logs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(logs))
	}
	if logs[0].UserID != Anonymous || logs[0].UserEmail != Anonymous {
		t.Fatalf("expected anonymous actor, got %+v", logs[0])
	}
	if logs[0].IPAddress != netorigin.Unknown {
		t.Fatalf("expected unknown ip, got %q", logs[0].IPAddress)
	}
}

func TestLogEventFallsBackWhenPrimaryFails(t *testing.T) {
	sink := &stubSink{err: errors.New("offline")}
	trail, _ := newTestTrail(t, WithPrimarySink(sink))

	for i := 0; i < DefaultFallbackCapacity+5; i++ {
		trail.LogEvent(context.Background(), Actor{ID: "u"}, EventDataAccess, map[string]any{"seq": i})
	}

	entries := trail.Fallback().Entries()
	if len(entries) != DefaultFallbackCapacity {
		t.Fatalf("expected %d entries, got %d", DefaultFallbackCapacity, len(entries))
	}
	if entries[0].Data["seq"] != 5 {
		t.Fatalf("oldest entries should be evicted first, head seq = %v", entries[0].Data["seq"])
	}
	if entries[len(entries)-1].Data["seq"] != DefaultFallbackCapacity+4 {
		t.Fatalf("newest entry missing, tail seq = %v", entries[len(entries)-1].Data["seq"])
	}
}

func TestReplayFallback(t *testing.T) {
	sink := &stubSink{err: errors.New("offline")}
	trail, store := newTestTrail(t, WithPrimarySink(sink))
	ctx := context.Background()

	trail.LogEvent(ctx, Actor{ID: "u1"}, EventUserLogin, nil)
	trail.LogEvent(ctx, Actor{ID: "u2"}, EventUserLogin, nil)

	n, err := trail.ReplayFallback(ctx)
	if err == nil || n != 0 {
		t.Fatalf("expected replay failure, got n=%d err=%v", n, err)
	}
	if trail.Fallback().Len() != 2 {
		t.Fatalf("failed replay must keep entries, got %d", trail.Fallback().Len())
	}
	for _, e := range trail.Fallback().Entries() {
		if _, marked := e.Data["replayedFromFallback"]; marked {
			t.Fatalf("requeued entry marked as replayed: %v", e.Data)
		}
	}

	replaying := NewTrail(store, WithFallback(trail.Fallback()))
	n, err = replaying.ReplayFallback(ctx)
	if err != nil || n != 2 {
		t.Fatalf("replay = %d, %v", n, err)
	}
	if replaying.Fallback().Len() != 0 {
		t.Fatalf("fallback not drained")
	}
	logs := replaying.LoginAttempts(ctx, 10)
	if len(logs) != 2 {
		t.Fatalf("expected 2 replayed records, got %d", len(logs))
	}
	for _, rec := range logs {
		if rec.Data["replayedFromFallback"] != true {
			t.Fatalf("replayed record not marked: %v", rec.Data)
		}
	}
}

func TestGetLogsOrderingAndFilters(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx := context.Background()

	trail.LogEvent(ctx, Actor{ID: "a"}, EventUserLogin, nil)
	trail.LogEvent(ctx, Actor{ID: "b"}, EventLoginFailed, nil)
	trail.LogEvent(ctx, Actor{ID: "a"}, EventUserLogout, nil)
	trail.LogSecurityEvent(ctx, Actor{ID: "a"}, "unauthorized_access", SeverityMedium, map[string]any{"userId": "a"})

	all := trail.GetLogs(ctx, Filter{}, 0)
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("records not newest first: %v then %v", all[i-1].Timestamp, all[i].Timestamp)
		}
	}
	if all[0].EventType != EventSecurity {
		t.Fatalf("newest record should be the security event, got %s", all[0].EventType)
	}

	if got := trail.GetLogs(ctx, Filter{}, 2); len(got) != 2 {
		t.Fatalf("limit ignored: %d", len(got))
	}
	if got := trail.MyLogs(ctx, "a", 10); len(got) != 3 {
		t.Fatalf("expected 3 records for a, got %d", len(got))
	}
	if got := trail.FailedLogins(ctx, 10); len(got) != 1 || got[0].UserID != "b" {
		t.Fatalf("unexpected failed logins: %+v", got)
	}
	sec := trail.SecurityEvents(ctx, 10)
	if len(sec) != 1 || sec[0].Data["severity"] != SeverityMedium {
		t.Fatalf("unexpected security events: %+v", sec)
	}

	cutoff := all[1].Timestamp
	if got := trail.GetLogs(ctx, Filter{Start: cutoff}, 10); len(got) != 2 {
		t.Fatalf("expected 2 records since %v, got %d", cutoff, len(got))
	}
	if got := trail.GetLogs(ctx, Filter{End: cutoff}, 10); len(got) != 3 {
		t.Fatalf("expected 3 records up to %v, got %d", cutoff, len(got))
	}
}

type failingStore struct {
	docstore.Store
}

func (failingStore) Query(context.Context, docstore.Query) ([]docstore.Document, error) {
	return nil, docstore.ErrUnavailable
}

func TestGetLogsReturnsEmptyOnFault(t *testing.T) {
	trail := NewTrail(failingStore{Store: docstore.NewMemoryStore()})
	got := trail.GetLogs(context.Background(), Filter{}, 10)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestSubscribeReceivesRecords(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := trail.Subscribe(ctx)
	trail.LogDataAccess(ctx, Actor{ID: "u"}, "nutrition_data", "doc-1", "read")

	select {
	case rec := <-ch:
		if rec.EventType != EventDataAccess || rec.Data["resourceId"] != "doc-1" {
			t.Fatalf("unexpected streamed record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("no record streamed")
	}
}
