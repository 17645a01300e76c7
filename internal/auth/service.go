package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/obs"
)

// DefaultRevocationDuration applies when RevokePermission gets no duration.
const DefaultRevocationDuration = time.Hour

const noRole = "none"

// Auditor receives the audit events emitted by the access-control service.
type Auditor interface {
	LogEvent(ctx context.Context, actor audit.Actor, eventType string, data map[string]any)
	LogPermissionChange(ctx context.Context, actor audit.Actor, targetUserID, oldRole, newRole, changedBy string)
	LogSecurityEvent(ctx context.Context, actor audit.Actor, securityEventType, severity string, details map[string]any)
}

// Service resolves roles and authorizes actions.
type Service struct {
	store              Store
	auditor            Auditor
	now                func() time.Time
	logger             *slog.Logger
	enforceRevocations bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithRevocationEnforcement makes permission checks honour active revocations.
func WithRevocationEnforcement(enabled bool) ServiceOption {
	return func(s *Service) { s.enforceRevocations = enabled }
}

// NewService constructs the access-control service.
func NewService(store Store, auditor Auditor, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if auditor == nil {
		return nil, errors.New("auth: auditor is required")
	}
	s := &Service{store: store, auditor: auditor, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = obs.ResolveLogger(s.logger)
	return s, nil
}

// ResolveRole returns the principal's assignment, provisioning a viewer
// assignment on first sight. An error means the caller must treat the
// principal as unauthorized.
func (s *Service) ResolveRole(ctx context.Context, principalID string) (RoleAssignment, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return RoleAssignment{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	a, err := s.store.Assignment(ctx, principalID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return RoleAssignment{}, err
	}
	viewer, _ := LookupRole(RoleViewer)
	a = s.newAssignment(principalID, viewer, SystemActor)
	created, err := s.store.CreateAssignment(ctx, a)
	if err != nil {
		s.logger.Error("viewer provisioning failed",
			"event", "role_provision_failed",
			"module", "auth",
			"layer", "service",
			"principal_id", principalID,
			"error", err.Error(),
		)
		return RoleAssignment{}, err
	}
	if !created {
		// a concurrent writer got there first; its assignment wins
		return s.store.Assignment(ctx, principalID)
	}
	s.auditor.LogPermissionChange(ctx, audit.Actor{ID: SystemActor}, principalID, noRole, viewer.Name, SystemActor)
	return a, nil
}

// HasPermission reports whether the principal holds permission. Any failure
// denies.
func (s *Service) HasPermission(ctx context.Context, principalID, permission string) bool {
	a, err := s.ResolveRole(ctx, principalID)
	if err != nil {
		s.logger.Warn("role resolution failed",
			"event", "role_resolve_failed",
			"module", "auth",
			"layer", "service",
			"principal_id", principalID,
			"error", err.Error(),
		)
		obs.RecordPermissionCheck(permission, false)
		return false
	}
	allowed := s.allowed(ctx, a, permission)
	obs.RecordPermissionCheck(permission, allowed)
	return allowed
}

func (s *Service) allowed(ctx context.Context, a RoleAssignment, permission string) bool {
	role, ok := LookupRole(a.Role)
	if !ok || !role.Allows(permission) {
		return false
	}
	if !s.enforceRevocations {
		return true
	}
	revs, err := s.store.Revocations(ctx, a.PrincipalID, s.now().UTC())
	if err != nil {
		s.logger.Warn("revocation lookup failed",
			"event", "revocation_lookup_failed",
			"module", "auth",
			"layer", "service",
			"principal_id", a.PrincipalID,
			"error", err.Error(),
		)
		return false
	}
	for _, r := range revs {
		if r.Permission == permission {
			return false
		}
	}
	return true
}

// AssignRole gives target the named role. An empty actingID is the system
// path; otherwise the actor must hold manage_roles.
func (s *Service) AssignRole(ctx context.Context, targetID, roleName, actingID string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	role, ok := LookupRole(roleName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, roleName)
	}
	changedBy := SystemActor
	if actingID = strings.TrimSpace(actingID); actingID != "" {
		if !s.HasPermission(ctx, actingID, PermManageRoles) {
			return s.deny(ctx, audit.Actor{ID: actingID}, PermManageRoles, "assign_role", targetID)
		}
		changedBy = actingID
	}
	_, err := s.assign(ctx, targetID, role, changedBy)
	return err
}

func (s *Service) assign(ctx context.Context, targetID string, role Role, changedBy string) (RoleAssignment, error) {
	oldRole := noRole
	prev, err := s.store.Assignment(ctx, targetID)
	switch {
	case err == nil:
		oldRole = prev.Role
	case !errors.Is(err, ErrNotFound):
		return RoleAssignment{}, err
	}

	a := s.newAssignment(targetID, role, changedBy)
	if err := s.store.PutAssignment(ctx, a); err != nil {
		s.logger.Error("role assignment failed",
			"event", "role_assign_failed",
			"module", "auth",
			"layer", "service",
			"target_id", targetID,
			"role", role.Name,
			"error", err.Error(),
		)
		return RoleAssignment{}, err
	}
	s.auditor.LogPermissionChange(ctx, audit.Actor{ID: changedBy}, targetID, oldRole, role.Name, changedBy)
	return a, nil
}

func (s *Service) newAssignment(principalID string, role Role, changedBy string) RoleAssignment {
	return RoleAssignment{
		PrincipalID: principalID,
		Role:        role.Name,
		Permissions: role.Permissions,
		Level:       role.Level,
		UpdatedAt:   s.now().UTC(),
		UpdatedBy:   changedBy,
	}
}

// CanAccessResource authorizes an action on a resource. Admins may do
// anything; other roles need the base permission for the action.
func (s *Service) CanAccessResource(ctx context.Context, principalID, resourceType, resourceID, action string) bool {
	a, err := s.ResolveRole(ctx, principalID)
	if err != nil {
		return false
	}
	if a.Role == RoleAdmin {
		return true
	}
	perm := actionPermission(action)
	if perm == "" {
		s.logger.Debug("unknown resource action",
			"event", "resource_action_unknown",
			"module", "auth",
			"layer", "service",
			"resource_type", resourceType,
			"resource_id", resourceID,
			"action", action,
		)
		return false
	}
	return s.allowed(ctx, a, perm)
}

// RequirePermission is the gate privileged operations call first. A denial is
// recorded as a security event.
func (s *Service) RequirePermission(ctx context.Context, p Principal, permission, action string) error {
	if s.HasPermission(ctx, p.ID, permission) {
		return nil
	}
	return s.deny(ctx, audit.Actor{ID: p.ID, Email: p.Email}, permission, action, "")
}

// deny records an unauthorized_access security event and returns the
// matching ErrPermissionDenied.
func (s *Service) deny(ctx context.Context, actor audit.Actor, permission, action, targetID string) error {
	details := map[string]any{
		"requiredPermission": permission,
		"attemptedAction":    action,
		"userId":             actor.ID,
	}
	if targetID != "" {
		details["targetUserId"] = targetID
	}
	s.auditor.LogSecurityEvent(ctx, actor, "unauthorized_access", audit.SeverityMedium, details)
	return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, action, permission)
}

// RevokePermission records a temporary revocation. Revocations only affect
// decisions when enforcement is enabled.
func (s *Service) RevokePermission(ctx context.Context, targetID, permission string, duration time.Duration, actingID string) error {
	targetID = strings.TrimSpace(targetID)
	permission = strings.TrimSpace(permission)
	if targetID == "" || permission == "" {
		return fmt.Errorf("%w: target id and permission are required", ErrInvalidInput)
	}
	if !s.HasPermission(ctx, actingID, PermManageRoles) {
		return s.deny(ctx, audit.Actor{ID: actingID}, PermManageRoles, "revoke_permission", targetID)
	}
	if duration <= 0 {
		duration = DefaultRevocationDuration
	}
	now := s.now().UTC()
	rev := Revocation{
		PrincipalID: targetID,
		Permission:  permission,
		RevokedBy:   actingID,
		RevokedAt:   now,
		ExpiresAt:   now.Add(duration),
		Reason:      "Temporary revocation",
	}
	if _, err := s.store.AddRevocation(ctx, rev); err != nil {
		return err
	}
	s.auditor.LogSecurityEvent(ctx, audit.Actor{ID: actingID}, "permission_revoked", audit.SeverityHigh, map[string]any{
		"userId":     targetID,
		"permission": permission,
		"revokedBy":  actingID,
		"duration":   duration.Minutes(),
	})
	return nil
}

// ActiveRevocations lists the principal's revocations that have not expired.
func (s *Service) ActiveRevocations(ctx context.Context, principalID string) ([]Revocation, error) {
	return s.store.Revocations(ctx, strings.TrimSpace(principalID), s.now().UTC())
}

// ListAssignments returns every role assignment. The actor needs manage_users.
func (s *Service) ListAssignments(ctx context.Context, actingID string) ([]RoleAssignment, error) {
	if !s.HasPermission(ctx, actingID, PermManageUsers) {
		return nil, s.deny(ctx, audit.Actor{ID: actingID}, PermManageUsers, "list_role_assignments", "")
	}
	return s.store.Assignments(ctx)
}

// RequestRoleUpgrade records a pending request for a higher role.
func (s *Service) RequestRoleUpgrade(ctx context.Context, p Principal, requestedRole, reason string) error {
	role, ok := LookupRole(requestedRole)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, requestedRole)
	}
	current, err := s.ResolveRole(ctx, p.ID)
	if err != nil {
		return err
	}
	s.auditor.LogEvent(ctx, audit.Actor{ID: p.ID, Email: p.Email}, audit.EventRoleUpgradeRequest, map[string]any{
		"userId":        p.ID,
		"currentRole":   current.Role,
		"requestedRole": role.Name,
		"reason":        strings.TrimSpace(reason),
		"status":        "pending",
		"timestamp":     s.now().UTC().Format(time.RFC3339Nano),
	})
	return nil
}
