package auth

import "time"

// Principal is an authenticated identity supplied by the identity provider.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// RoleAssignment is the single role held by a principal. Permissions is the
// copy written at assignment time; decisions use the canonical table.
type RoleAssignment struct {
	PrincipalID string    `json:"userId"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	Level       int       `json:"level"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UpdatedBy   string    `json:"updatedBy"`
}

// Revocation temporarily withdraws one permission from a principal.
type Revocation struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"userId"`
	Permission  string    `json:"permission"`
	RevokedBy   string    `json:"revokedBy"`
	RevokedAt   time.Time `json:"revokedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Reason      string    `json:"reason"`
}

// Active reports whether the revocation is still in force at now.
func (r Revocation) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}
