package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nutriguard.org/internal/docstore"
)

// Collections read and erased for data-subject requests.
const (
	UsersCollection = "users"
	RolesCollection = "user_roles"
)

const (
	exportLogLimit = 1000
	deleteLogLimit = 500
	reportLogLimit = 10000
)

var ErrInvalidSubject = errors.New("audit: subject id is required")

// Export is a data-subject export.
type Export struct {
	UserID     string         `json:"userId"`
	ExportedAt time.Time      `json:"exportedAt"`
	Profile    map[string]any `json:"profile"`
	Role       map[string]any `json:"role"`
	AuditLogs  []Record       `json:"auditLogs"`
}

// ExportUserData gathers the subject's profile, role assignment and up to 1000
// of their audit records, then logs a gdpr/data_export compliance event.
func (t *Trail) ExportUserData(ctx context.Context, actor Actor, principalID string) (Export, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Export{}, ErrInvalidSubject
	}
	profile, err := t.optionalDocument(ctx, UsersCollection, principalID)
	if err != nil {
		return Export{}, fmt.Errorf("export profile: %w", err)
	}
	role, err := t.optionalDocument(ctx, RolesCollection, principalID)
	if err != nil {
		return Export{}, fmt.Errorf("export role: %w", err)
	}
	docs, err := t.store.Query(ctx, Filter{UserID: principalID}.query(exportLogLimit))
	if err != nil {
		return Export{}, fmt.Errorf("export audit logs: %w", err)
	}

	out := Export{
		UserID:     principalID,
		ExportedAt: t.now().UTC(),
		Profile:    profile,
		Role:       role,
		AuditLogs:  recordsFromDocuments(docs),
	}
	t.LogComplianceEvent(ctx, actor, "gdpr", "data_export", map[string]any{
		"userId":     principalID,
		"auditCount": len(out.AuditLogs),
	})
	return out, nil
}

// DeleteUserData erases the subject's profile and role assignment and flags up
// to 500 of their audit records as belonging to a deleted user, in one atomic
// batch. Audit records are kept.
func (t *Trail) DeleteUserData(ctx context.Context, actor Actor, principalID string) error {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ErrInvalidSubject
	}
	docs, err := t.store.Query(ctx, docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{{Field: "userId", Op: "==", Value: principalID}},
		Limit:      deleteLogLimit,
	})
	if err != nil {
		return fmt.Errorf("delete user data: list audit logs: %w", err)
	}

	batch := docstore.NewBatch().
		Delete(UsersCollection, principalID).
		Delete(RolesCollection, principalID)
	for _, c := range t.personal {
		batch.Delete(c, principalID)
	}
	if t.emailIndex != "" {
		email, err := t.indexedEmail(ctx, principalID)
		if err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
		if email != "" {
			batch.Delete(t.emailIndex, email)
		}
	}
	for _, doc := range docs {
		batch.Update(Collection, doc.ID, map[string]any{
			"userDeleted": true,
			"deletedAt":   docstore.ServerTimestamp,
		})
	}
	if err := t.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("delete user data: %w", err)
	}

	t.LogComplianceEvent(ctx, actor, "gdpr", "data_deletion", map[string]any{
		"userId":       principalID,
		"flaggedCount": len(docs),
	})
	return nil
}

// indexedEmail returns the subject's email when the email index still points
// at them.
func (t *Trail) indexedEmail(ctx context.Context, principalID string) (string, error) {
	profile, err := t.store.Get(ctx, UsersCollection, principalID)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	email := profile.String("email")
	if email == "" {
		return "", nil
	}
	claim, err := t.store.Get(ctx, t.emailIndex, email)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load email claim: %w", err)
	}
	if claim.String("userId") != principalID {
		return "", nil
	}
	return email, nil
}

// Period bounds a report.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary holds report counters.
type Summary struct {
	TotalLogins    int `json:"total_logins"`
	FailedLogins   int `json:"failed_logins"`
	DataExports    int `json:"data_exports"`
	DataDeletions  int `json:"data_deletions"`
	SecurityEvents int `json:"security_events"`
	UniqueUsers    int `json:"unique_users"`
}

// Report is a compliance summary over a period.
type Report struct {
	Period      Period    `json:"period"`
	GeneratedAt time.Time `json:"generatedAt"`
	Summary     Summary   `json:"summary"`
	Events      []Record  `json:"events"`
}

// GenerateComplianceReport summarises up to 10000 records within [start, end].
func (t *Trail) GenerateComplianceReport(ctx context.Context, start, end time.Time) (Report, error) {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return Report{}, fmt.Errorf("compliance report: end %s precedes start %s", end, start)
	}
	docs, err := t.store.Query(ctx, Filter{Start: start, End: end}.query(reportLogLimit))
	if err != nil {
		return Report{}, fmt.Errorf("compliance report: %w", err)
	}
	events := recordsFromDocuments(docs)
	return Report{
		Period:      Period{Start: start.UTC(), End: end.UTC()},
		GeneratedAt: t.now().UTC(),
		Summary:     summarize(events),
		Events:      events,
	}, nil
}

func summarize(events []Record) Summary {
	var s Summary
	users := make(map[string]struct{})
	for _, rec := range events {
		users[rec.UserID] = struct{}{}
		switch rec.EventType {
		case EventUserLogin:
			s.TotalLogins++
		case EventLoginFailed:
			s.FailedLogins++
		case EventSecurity:
			s.SecurityEvents++
		case EventCompliance:
			switch rec.Data["action"] {
			case "data_export":
				s.DataExports++
			case "data_deletion":
				s.DataDeletions++
			}
		}
	}
	s.UniqueUsers = len(users)
	return s
}

func (t *Trail) optionalDocument(ctx context.Context, collection, id string) (map[string]any, error) {
	doc, err := t.store.Get(ctx, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}
