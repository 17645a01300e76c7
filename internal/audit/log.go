package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/ids"
	"nutriguard.org/internal/netorigin"
	"nutriguard.org/internal/obs"
	"nutriguard.org/internal/stream"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Trail is the audit trail service: a primary sink, a bounded local fallback,
// and read/compliance queries over the audit collection.
type Trail struct {
	store       docstore.Store
	primary     Sink
	fallback    *FallbackBuffer
	origin      netorigin.Resolver
	environment string
	personal    []string
	emailIndex  string
	now         func() time.Time
	logger      *slog.Logger
	hub         *stream.Hub[Record]
}

// Option configures Trail.
type Option func(*Trail)

// WithPrimarySink replaces the document sink.
func WithPrimarySink(s Sink) Option {
	return func(t *Trail) {
		if s != nil {
			t.primary = s
		}
	}
}

// WithFallback replaces the fallback buffer.
func WithFallback(b *FallbackBuffer) Option {
	return func(t *Trail) {
		if b != nil {
			t.fallback = b
		}
	}
}

// WithOrigin sets the network-origin resolver.
func WithOrigin(r netorigin.Resolver) Option {
	return func(t *Trail) { t.origin = r }
}

// WithEnvironment tags every record with the deployment name.
func WithEnvironment(env string) Option {
	return func(t *Trail) { t.environment = strings.TrimSpace(env) }
}

// WithPersonalCollections names extra per-user collections (keyed by user id)
// erased together with the profile by DeleteUserData.
func WithPersonalCollections(collections ...string) Option {
	return func(t *Trail) { t.personal = append(t.personal, collections...) }
}

// WithEmailIndex names a collection keyed by normalized email whose entry
// for the subject (matched by userId) DeleteUserData also removes.
func WithEmailIndex(collection string) Option {
	return func(t *Trail) { t.emailIndex = strings.TrimSpace(collection) }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// WithHub publishes every logged record to hub.
func WithHub(h *stream.Hub[Record]) Option {
	return func(t *Trail) { t.hub = h }
}

// NewTrail builds the audit service over store.
func NewTrail(store docstore.Store, opts ...Option) *Trail {
	t := &Trail{
		store:   store,
		primary: NewDocumentSink(store),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = obs.ResolveLogger(t.logger)
	if t.fallback == nil {
		t.fallback = NewFallbackBuffer(DefaultFallbackCapacity, nil, t.logger)
	}
	if t.hub == nil {
		t.hub = stream.NewHub[Record](64)
	}
	return t
}

// Fallback exposes the local buffer.
func (t *Trail) Fallback() *FallbackBuffer { return t.fallback }

// LogEvent appends a record. It never returns an error: when the primary sink
// fails the record goes to the fallback buffer.
func (t *Trail) LogEvent(ctx context.Context, actor Actor, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("audit log panic",
				"event", "audit_log_panic",
				"module", "audit",
				"layer", "service",
				"event_type", eventType,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		payload["requestId"] = rid
	}
	now := t.now().UTC()
	rec := Record{
		ID:              ids.NewAt(now),
		EventType:       eventType,
		Timestamp:       now,
		ClientTimestamp: now,
		UserID:          actor.userID(),
		UserEmail:       actor.email(),
		IPAddress:       netorigin.ResolveOrUnknown(ctx, t.origin),
		UserAgent:       actor.UserAgent,
		Data:            payload,
		Environment:     t.environment,
	}

	err := t.primary.Write(ctx, rec)
	obs.RecordAuditWrite("primary", err)
	if err != nil {
		t.logger.Warn("audit primary write failed",
			"event", "audit_write_failed",
			"module", "audit",
			"layer", "service",
			"event_type", eventType,
			"error", err.Error(),
		)
		ferr := t.fallback.Write(ctx, rec)
		obs.RecordAuditWrite("fallback", ferr)
	}
	t.hub.Publish(rec)
}

// LogDataAccess records a read/decrypt of a resource.
func (t *Trail) LogDataAccess(ctx context.Context, actor Actor, resourceType, resourceID, action string) {
	t.LogEvent(ctx, actor, EventDataAccess, map[string]any{
		"resourceType": resourceType,
		"resourceId":   resourceID,
		"action":       action,
		"timestamp":    t.stamp(),
	})
}

// LogDataModification records a change to a resource.
func (t *Trail) LogDataModification(ctx context.Context, actor Actor, resourceType, resourceID string, changes any) {
	t.LogEvent(ctx, actor, EventDataModification, map[string]any{
		"resourceType": resourceType,
		"resourceId":   resourceID,
		"changes":      changes,
		"timestamp":    t.stamp(),
	})
}

// LogPermissionChange records a role change.
func (t *Trail) LogPermissionChange(ctx context.Context, actor Actor, targetUserID, oldRole, newRole, changedBy string) {
	t.LogEvent(ctx, actor, EventPermissionChange, map[string]any{
		"targetUserId": targetUserID,
		"oldRole":      oldRole,
		"newRole":      newRole,
		"changedBy":    changedBy,
		"timestamp":    t.stamp(),
	})
}

// LogSecurityEvent records a security-relevant occurrence.
func (t *Trail) LogSecurityEvent(ctx context.Context, actor Actor, securityEventType, severity string, details map[string]any) {
	t.LogEvent(ctx, actor, EventSecurity, map[string]any{
		"securityEventType": securityEventType,
		"severity":          severity,
		"details":           details,
		"timestamp":         t.stamp(),
	})
}

// LogComplianceEvent records a regulatory action such as a GDPR export.
func (t *Trail) LogComplianceEvent(ctx context.Context, actor Actor, complianceType, action string, details map[string]any) {
	t.LogEvent(ctx, actor, EventCompliance, map[string]any{
		"complianceType": complianceType,
		"action":         action,
		"details":        details,
		"timestamp":      t.stamp(),
	})
}

// Subscribe streams records logged by this process.
func (t *Trail) Subscribe(ctx context.Context) <-chan Record {
	return t.hub.Subscribe(ctx)
}

// ReplayFallback moves buffered records into the primary sink. Entries that
// still fail are put back.
func (t *Trail) ReplayFallback(ctx context.Context) (int, error) {
	entries := t.fallback.Drain(ctx)
	if len(entries) == 0 {
		return 0, nil
	}
	var (
		failed  []FallbackEntry
		lastErr error
	)
	for i, e := range entries {
		rec := e.record()
		data := make(map[string]any, len(e.Data)+1)
		for k, v := range e.Data {
			data[k] = v
		}
		data["replayedFromFallback"] = true
		rec.Data = data
		err := t.primary.Write(ctx, rec)
		obs.RecordAuditWrite("replay", err)
		if err != nil {
			failed = append(failed, entries[i:]...)
			lastErr = err
			break
		}
	}
	t.fallback.Requeue(ctx, failed)
	replayed := len(entries) - len(failed)
	if lastErr != nil {
		return replayed, fmt.Errorf("audit: replay fallback: %w", lastErr)
	}
	return replayed, nil
}

func (t *Trail) stamp() string {
	return t.now().UTC().Format(time.RFC3339Nano)
}
