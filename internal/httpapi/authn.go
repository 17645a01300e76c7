package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth requires a valid bearer token and stores the principal in the
// request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if a.deps.Tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication is not configured")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.deps.Tokens.Authenticate(r.Context(), token)
		if errors.Is(err, identity.ErrInvalidToken) {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if err != nil {
			a.handleError(w, r, err)
			return
		}

		ctx := auth.WithCaller(r.Context(), auth.Caller{
			Principal: principal,
			Token:     token,
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the authenticated caller. withAuth guarantees presence on
// protected routes.
func principal(r *http.Request) auth.Principal {
	return auth.PrincipalFrom(r.Context())
}

func actorFor(r *http.Request) audit.Actor {
	c, _ := auth.CallerFrom(r.Context())
	return audit.Actor{ID: c.Principal.ID, Email: c.Principal.Email, UserAgent: c.UserAgent}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
