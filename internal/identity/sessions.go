package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/obs"
	"nutriguard.org/internal/stream"
)

// Auditor receives identity audit events.
type Auditor interface {
	LogEvent(ctx context.Context, actor audit.Actor, eventType string, data map[string]any)
}

// RoleResolver resolves, and on first sight provisions, a principal's role.
type RoleResolver interface {
	ResolveRole(ctx context.Context, principalID string) (auth.RoleAssignment, error)
}

// StateChange is one auth-state transition.
type StateChange struct {
	Principal auth.Principal `json:"principal"`
	SignedIn  bool           `json:"signedIn"`
	At        time.Time      `json:"at"`
}

// Sessions reacts to sign-in and sign-out reported by the identity provider.
type Sessions struct {
	roles   RoleResolver
	auditor Auditor
	hub     *stream.Hub[StateChange]
	now     func() time.Time
	logger  *slog.Logger
}

// NewSessions builds the session tracker.
func NewSessions(roles RoleResolver, auditor Auditor, logger *slog.Logger) *Sessions {
	return &Sessions{
		roles:   roles,
		auditor: auditor,
		hub:     stream.NewHub[StateChange](16),
		now:     time.Now,
		logger:  obs.ResolveLogger(logger),
	}
}

// SignedIn loads the principal's role and records the login.
func (s *Sessions) SignedIn(ctx context.Context, p auth.Principal, userAgent string) (auth.RoleAssignment, error) {
	role, err := s.roles.ResolveRole(ctx, p.ID)
	if err != nil {
		s.logger.Error("role load failed",
			"event", "session_role_failed",
			"module", "identity",
			"layer", "sessions",
			"principal_id", p.ID,
			"error", err.Error(),
		)
		return auth.RoleAssignment{}, fmt.Errorf("resolve role: %w", err)
	}
	s.auditor.LogEvent(ctx, audit.Actor{ID: p.ID, Email: p.Email, UserAgent: userAgent}, audit.EventUserLogin, map[string]any{
		"userId":    p.ID,
		"email":     p.Email,
		"provider":  p.Provider,
		"timestamp": s.stamp(),
	})
	s.hub.Publish(StateChange{Principal: p, SignedIn: true, At: s.now().UTC()})
	return role, nil
}

// SignInFailed records a failed attempt.
func (s *Sessions) SignInFailed(ctx context.Context, provider, email string, cause error) {
	data := map[string]any{
		"provider":  provider,
		"timestamp": s.stamp(),
	}
	if email = strings.TrimSpace(email); email != "" {
		data["email"] = email
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	s.auditor.LogEvent(ctx, audit.Actor{}, audit.EventLoginFailed, data)
}

// SignedOut records the logout.
func (s *Sessions) SignedOut(ctx context.Context, p auth.Principal) {
	if strings.TrimSpace(p.ID) == "" {
		return
	}
	s.auditor.LogEvent(ctx, audit.Actor{ID: p.ID, Email: p.Email}, audit.EventUserLogout, map[string]any{
		"userId":    p.ID,
		"timestamp": s.stamp(),
	})
	s.hub.Publish(StateChange{Principal: p, SignedIn: false, At: s.now().UTC()})
}

// Subscribe streams auth-state changes until ctx ends.
func (s *Sessions) Subscribe(ctx context.Context) <-chan StateChange {
	return s.hub.Subscribe(ctx)
}

func (s *Sessions) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
