package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/kv"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("identity: invalid token")

// ErrTokenRevoked marks a token that was signed out before it expired.
var ErrTokenRevoked = fmt.Errorf("%w: revoked", ErrInvalidToken)

// RevokedTokenPrefix namespaces revoked token ids in the kv store.
const RevokedTokenPrefix = "revoked_token:"

// Claims carries the principal inside a bearer token.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	now     func() time.Time
	revoked kv.Store
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens)

// WithRevocationStore keeps revoked token ids in store until the tokens
// would have expired. Without it Revoke fails.
func WithRevocationStore(store kv.Store) TokenOption {
	return func(t *Tokens) { t.revoked = store }
}

// NewTokens returns a token issuer. The secret must not be empty.
func NewTokens(secret, issuer string, ttl time.Duration, opts ...TokenOption) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("identity: token secret is not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("identity: token ttl must be greater than zero")
	}
	t := &Tokens{secret: []byte(secret), issuer: strings.TrimSpace(issuer), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs a token for p.
func (t *Tokens) Issue(p auth.Principal) (string, time.Time, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", time.Time{}, errors.New("identity: principal id is required")
	}
	now := t.now().UTC()
	expires := now.Add(t.ttl)
	claims := Claims{
		Email:    p.Email,
		Name:     p.DisplayName,
		Provider: p.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks the signature and claims and returns the principal. It does
// not consult the revocation store; request authentication uses Authenticate.
func (t *Tokens) Verify(token string) (auth.Principal, error) {
	claims, err := t.parse(token)
	if err != nil {
		return auth.Principal{}, err
	}
	return claims.principal(), nil
}

// Authenticate verifies token and rejects it once it has been revoked. A
// failed revocation lookup rejects the token too.
func (t *Tokens) Authenticate(ctx context.Context, token string) (auth.Principal, error) {
	claims, err := t.parse(token)
	if err != nil {
		return auth.Principal{}, err
	}
	if t.revoked != nil {
		_, err := t.revoked.Get(ctx, RevokedTokenPrefix+claims.ID)
		switch {
		case err == nil:
			return auth.Principal{}, ErrTokenRevoked
		case !errors.Is(err, kv.ErrNotFound):
			return auth.Principal{}, fmt.Errorf("%w: token revocation lookup: %v", docstore.ErrUnavailable, err)
		}
	}
	return claims.principal(), nil
}

// Revoke ends the session behind token. The revocation entry expires together
// with the token; an already expired token needs no entry.
func (t *Tokens) Revoke(ctx context.Context, token string) error {
	claims, err := t.parse(token)
	if err != nil {
		return err
	}
	if t.revoked == nil {
		return errors.New("identity: token revocation is not configured")
	}
	remaining := claims.ExpiresAt.Time.Sub(t.now())
	if remaining <= 0 {
		return nil
	}
	if err := t.revoked.Set(ctx, RevokedTokenPrefix+claims.ID, claims.Subject, remaining); err != nil {
		return fmt.Errorf("%w: revoke token: %v", docstore.ErrUnavailable, err)
	}
	return nil
}

func (t *Tokens) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (c *Claims) principal() auth.Principal {
	return auth.Principal{
		ID:          c.Subject,
		DisplayName: c.Name,
		Email:       c.Email,
		Provider:    c.Provider,
	}
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if claims.Issuer != t.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
