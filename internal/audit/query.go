package audit

import (
	"context"
	"strings"
	"time"

	"nutriguard.org/internal/docstore"
)

// DefaultLimit applies when a query does not set one.
const DefaultLimit = 50

// Filter narrows GetLogs. Zero fields are ignored.
type Filter struct {
	EventType string
	UserID    string
	Start     time.Time
	End       time.Time
}

func (f Filter) query(limit int) docstore.Query {
	q := docstore.Query{
		Collection: Collection,
		OrderBy:    &docstore.OrderBy{Field: "timestamp", Desc: true},
		Limit:      limit,
	}
	if et := strings.TrimSpace(f.EventType); et != "" {
		q = q.Where("eventType", "==", et)
	}
	if uid := strings.TrimSpace(f.UserID); uid != "" {
		q = q.Where("userId", "==", uid)
	}
	if !f.Start.IsZero() {
		q = q.Where("timestamp", ">=", f.Start)
	}
	if !f.End.IsZero() {
		q = q.Where("timestamp", "<=", f.End)
	}
	return q
}

// GetLogs returns matching records newest first. Store faults are logged and
// yield an empty result.
func (t *Trail) GetLogs(ctx context.Context, f Filter, limit int) []Record {
	if limit <= 0 {
		limit = DefaultLimit
	}
	docs, err := t.store.Query(ctx, f.query(limit))
	if err != nil {
		t.logger.Error("audit query failed",
			"event", "audit_query_failed",
			"module", "audit",
			"layer", "query",
			"error", err.Error(),
		)
		return []Record{}
	}
	return recordsFromDocuments(docs)
}

// MyLogs returns the principal's own records.
func (t *Trail) MyLogs(ctx context.Context, principalID string, limit int) []Record {
	if strings.TrimSpace(principalID) == "" {
		return []Record{}
	}
	return t.GetLogs(ctx, Filter{UserID: principalID}, limit)
}

// SecurityEvents returns recent security_event records.
func (t *Trail) SecurityEvents(ctx context.Context, limit int) []Record {
	return t.GetLogs(ctx, Filter{EventType: EventSecurity}, limit)
}

// ComplianceEvents returns recent compliance_event records.
func (t *Trail) ComplianceEvents(ctx context.Context, limit int) []Record {
	return t.GetLogs(ctx, Filter{EventType: EventCompliance}, limit)
}

// LoginAttempts returns recent successful logins.
func (t *Trail) LoginAttempts(ctx context.Context, limit int) []Record {
	return t.GetLogs(ctx, Filter{EventType: EventUserLogin}, limit)
}

// FailedLogins returns recent failed logins.
func (t *Trail) FailedLogins(ctx context.Context, limit int) []Record {
	return t.GetLogs(ctx, Filter{EventType: EventLoginFailed}, limit)
}
