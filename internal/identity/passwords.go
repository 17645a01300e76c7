package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/ids"
)

// CredentialsCollection holds password hashes and second-factor secrets. It
// is kept apart from the users profile so data exports never include them.
const CredentialsCollection = "user_credentials"

// EmailsCollection claims each normalized email for one account. Documents
// are keyed by the email and hold the owning userId.
const EmailsCollection = "user_emails"

// ProviderPassword names the email/password login method.
const ProviderPassword = "password"

const minPasswordLength = 6

var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrInvalidInput       = errors.New("identity: invalid input")
)

// RoleAssigner gives a new account its initial role.
type RoleAssigner interface {
	AssignRole(ctx context.Context, targetID, roleName, actingID string) error
}

// Passwords is the email/password account provider.
type Passwords struct {
	docs    docstore.Store
	roles   RoleAssigner
	auditor Auditor
	cost    int
	now     func() time.Time
}

// NewPasswords builds the provider.
func NewPasswords(docs docstore.Store, roles RoleAssigner, auditor Auditor) *Passwords {
	return &Passwords{docs: docs, roles: roles, auditor: auditor, cost: bcrypt.DefaultCost, now: time.Now}
}

// SignUp creates an account with the viewer role.
func (p *Passwords) SignUp(ctx context.Context, email, password, displayName string) (auth.Principal, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return auth.Principal{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return auth.Principal{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("hash password: %w", err)
	}
	principal := auth.Principal{
		ID:          ids.New(),
		DisplayName: strings.TrimSpace(displayName),
		Email:       email,
		Provider:    ProviderPassword,
	}
	claimed, err := p.docs.Create(ctx, EmailsCollection, email, map[string]any{
		"userId":    principal.ID,
		"createdAt": docstore.ServerTimestamp,
	})
	if err != nil {
		return auth.Principal{}, fmt.Errorf("claim email: %w", err)
	}
	if !claimed {
		return auth.Principal{}, ErrEmailTaken
	}
	batch := docstore.NewBatch().
		Set(audit.UsersCollection, principal.ID, map[string]any{
			"email":       principal.Email,
			"displayName": principal.DisplayName,
			"provider":    principal.Provider,
			"createdAt":   docstore.ServerTimestamp,
		}, false).
		Set(CredentialsCollection, principal.ID, map[string]any{
			"email":        principal.Email,
			"passwordHash": string(hash),
		}, false)
	if err := p.docs.Commit(ctx, batch); err != nil {
		if derr := p.docs.Delete(ctx, EmailsCollection, email); derr != nil {
			err = errors.Join(err, fmt.Errorf("release email claim: %w", derr))
		}
		return auth.Principal{}, fmt.Errorf("create account: %w", err)
	}
	if err := p.roles.AssignRole(ctx, principal.ID, auth.RoleViewer, ""); err != nil {
		return auth.Principal{}, fmt.Errorf("assign initial role: %w", err)
	}
	p.auditor.LogEvent(ctx, audit.Actor{ID: principal.ID, Email: principal.Email}, audit.EventUserSignup, map[string]any{
		"userId":    principal.ID,
		"email":     principal.Email,
		"provider":  principal.Provider,
		"timestamp": p.now().UTC().Format(time.RFC3339Nano),
	})
	return principal, nil
}

// SignIn checks the password and returns the principal.
func (p *Passwords) SignIn(ctx context.Context, email, password string) (auth.Principal, error) {
	email = normalizeEmail(email)
	cred, err := p.credentialsByEmail(ctx, email)
	if err != nil {
		return auth.Principal{}, err
	}
	if !passwordMatches(cred.String("passwordHash"), password) {
		return auth.Principal{}, ErrInvalidCredentials
	}
	principal := auth.Principal{ID: cred.ID, Email: email, Provider: ProviderPassword}
	profile, err := p.docs.Get(ctx, audit.UsersCollection, cred.ID)
	switch {
	case err == nil:
		principal.DisplayName = profile.String("displayName")
	case !errors.Is(err, docstore.ErrNotFound):
		return auth.Principal{}, fmt.Errorf("load profile: %w", err)
	}
	return principal, nil
}

func (p *Passwords) credentialsByEmail(ctx context.Context, email string) (docstore.Document, error) {
	if email == "" {
		return docstore.Document{}, ErrInvalidCredentials
	}
	docs, err := p.docs.Query(ctx, docstore.Query{
		Collection: CredentialsCollection,
		Filters:    []docstore.Filter{{Field: "email", Op: "==", Value: email}},
		Limit:      1,
	})
	if err != nil {
		return docstore.Document{}, fmt.Errorf("lookup credentials: %w", err)
	}
	if len(docs) == 0 {
		return docstore.Document{}, ErrInvalidCredentials
	}
	return docs[0], nil
}

// passwordMatches treats an empty stored hash as a mismatch.
func passwordMatches(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
