package audit

import (
	"strings"
	"time"

	"nutriguard.org/internal/docstore"
)

// Collection holds the append-only audit records.
const Collection = "audit_logs"

// Anonymous stands in for a missing user id or email.
const Anonymous = "anonymous"

// Event types.
const (
	EventUserLogin          = "user_login"
	EventLoginFailed        = "login_failed"
	EventUserLogout         = "user_logout"
	EventUserSignup         = "user_signup"
	Event2FAEnabled         = "2fa_enabled"
	Event2FASuccess         = "2fa_success"
	Event2FAFailed          = "2fa_failed"
	EventDataAccess         = "data_access"
	EventDataModification   = "data_modification"
	EventPermissionChange   = "permission_change"
	EventSecurity           = "security_event"
	EventCompliance         = "compliance_event"
	EventDataEncrypted      = "data_encrypted"
	EventRoleUpgradeRequest = "role_upgrade_request"
)

// Severity levels carried by security events.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Actor is whoever caused an event. Zero fields are recorded as anonymous.
type Actor struct {
	ID        string
	Email     string
	UserAgent string
}

func (a Actor) userID() string {
	if id := strings.TrimSpace(a.ID); id != "" {
		return id
	}
	return Anonymous
}

func (a Actor) email() string {
	if email := strings.TrimSpace(a.Email); email != "" {
		return email
	}
	return Anonymous
}

// Record is one audit trail entry.
type Record struct {
	ID              string         `json:"id"`
	EventType       string         `json:"eventType"`
	Timestamp       time.Time      `json:"timestamp"`
	ClientTimestamp time.Time      `json:"clientTimestamp"`
	UserID          string         `json:"userId"`
	UserEmail       string         `json:"userEmail"`
	IPAddress       string         `json:"ipAddress"`
	UserAgent       string         `json:"userAgent"`
	Data            map[string]any `json:"data"`
	Environment     string         `json:"environment"`
	UserDeleted     bool           `json:"userDeleted,omitempty"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"`
}

// document renders the record for the store; the store clock assigns timestamp.
func (r Record) document() map[string]any {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"eventType":       r.EventType,
		"timestamp":       docstore.ServerTimestamp,
		"clientTimestamp": r.ClientTimestamp,
		"userId":          r.UserID,
		"userEmail":       r.UserEmail,
		"ipAddress":       r.IPAddress,
		"userAgent":       r.UserAgent,
		"data":            data,
		"environment":     r.Environment,
	}
}

func recordFromDocument(doc docstore.Document) Record {
	rec := Record{
		ID:          doc.ID,
		EventType:   doc.String("eventType"),
		UserID:      doc.String("userId"),
		UserEmail:   doc.String("userEmail"),
		IPAddress:   doc.String("ipAddress"),
		UserAgent:   doc.String("userAgent"),
		Environment: doc.String("environment"),
	}
	rec.Timestamp, _ = doc.Time("timestamp")
	rec.ClientTimestamp, _ = doc.Time("clientTimestamp")
	if data, ok := doc.Data["data"].(map[string]any); ok {
		rec.Data = data
	} else {
		rec.Data = map[string]any{}
	}
	if deleted, ok := doc.Data["userDeleted"].(bool); ok {
		rec.UserDeleted = deleted
	}
	if at, ok := doc.Time("deletedAt"); ok {
		rec.DeletedAt = &at
	}
	return rec
}

func recordsFromDocuments(docs []docstore.Document) []Record {
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, recordFromDocument(doc))
	}
	return out
}
