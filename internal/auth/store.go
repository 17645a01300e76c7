package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nutriguard.org/internal/docstore"
)

// Collections owned by the access-control service.
const (
	AssignmentsCollection = "user_roles"
	RevocationsCollection = "permission_revocations"
)

// Store persists role assignments and revocations.
type Store interface {
	Assignment(ctx context.Context, principalID string) (RoleAssignment, error)
	PutAssignment(ctx context.Context, a RoleAssignment) error
	// CreateAssignment stores a only when the principal has no assignment
	// yet and reports whether it did.
	CreateAssignment(ctx context.Context, a RoleAssignment) (bool, error)
	Assignments(ctx context.Context) ([]RoleAssignment, error)
	AddRevocation(ctx context.Context, r Revocation) (string, error)
	Revocations(ctx context.Context, principalID string, now time.Time) ([]Revocation, error)
}

// DocumentStore keeps assignments in the user_roles collection keyed by
// principal id.
type DocumentStore struct {
	docs docstore.Store
}

// NewDocumentStore wraps a document store.
func NewDocumentStore(docs docstore.Store) *DocumentStore {
	return &DocumentStore{docs: docs}
}

var _ Store = (*DocumentStore)(nil)

func (s *DocumentStore) Assignment(ctx context.Context, principalID string) (RoleAssignment, error) {
	doc, err := s.docs.Get(ctx, AssignmentsCollection, principalID)
	if errors.Is(err, docstore.ErrNotFound) {
		return RoleAssignment{}, ErrNotFound
	}
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("get role assignment: %w", err)
	}
	return assignmentFromDocument(doc), nil
}

func (s *DocumentStore) PutAssignment(ctx context.Context, a RoleAssignment) error {
	if err := s.docs.Set(ctx, AssignmentsCollection, a.PrincipalID, assignmentData(a), docstore.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("put role assignment: %w", err)
	}
	return nil
}

func (s *DocumentStore) CreateAssignment(ctx context.Context, a RoleAssignment) (bool, error) {
	created, err := s.docs.Create(ctx, AssignmentsCollection, a.PrincipalID, assignmentData(a))
	if err != nil {
		return false, fmt.Errorf("create role assignment: %w", err)
	}
	return created, nil
}

func assignmentData(a RoleAssignment) map[string]any {
	return map[string]any{
		"role":        a.Role,
		"permissions": a.Permissions,
		"level":       a.Level,
		"updated_at":  docstore.ServerTimestamp,
		"updated_by":  a.UpdatedBy,
	}
}

func (s *DocumentStore) Assignments(ctx context.Context) ([]RoleAssignment, error) {
	docs, err := s.docs.Query(ctx, docstore.Query{Collection: AssignmentsCollection})
	if err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}
	out := make([]RoleAssignment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, assignmentFromDocument(doc))
	}
	return out, nil
}

func (s *DocumentStore) AddRevocation(ctx context.Context, r Revocation) (string, error) {
	id, err := s.docs.Add(ctx, RevocationsCollection, map[string]any{
		"userId":     r.PrincipalID,
		"permission": r.Permission,
		"revokedBy":  r.RevokedBy,
		"revokedAt":  r.RevokedAt,
		"expiresAt":  r.ExpiresAt,
		"reason":     r.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("add revocation: %w", err)
	}
	return id, nil
}

func (s *DocumentStore) Revocations(ctx context.Context, principalID string, now time.Time) ([]Revocation, error) {
	q := docstore.Query{Collection: RevocationsCollection}.
		Where("userId", "==", principalID).
		Where("expiresAt", ">", now)
	docs, err := s.docs.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	out := make([]Revocation, 0, len(docs))
	for _, doc := range docs {
		r := Revocation{
			ID:          doc.ID,
			PrincipalID: doc.String("userId"),
			Permission:  doc.String("permission"),
			RevokedBy:   doc.String("revokedBy"),
			Reason:      doc.String("reason"),
		}
		r.RevokedAt, _ = doc.Time("revokedAt")
		r.ExpiresAt, _ = doc.Time("expiresAt")
		out = append(out, r)
	}
	return out, nil
}

func assignmentFromDocument(doc docstore.Document) RoleAssignment {
	a := RoleAssignment{
		PrincipalID: doc.ID,
		Role:        doc.String("role"),
		UpdatedBy:   doc.String("updated_by"),
	}
	a.UpdatedAt, _ = doc.Time("updated_at")
	if level, ok := doc.Data["level"].(float64); ok {
		a.Level = int(level)
	}
	if perms, ok := doc.Data["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				a.Permissions = append(a.Permissions, s)
			}
		}
	}
	return a
}
