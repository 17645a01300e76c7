package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/identity"
)

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

type tokenResponse struct {
	Token     string               `json:"token"`
	ExpiresAt time.Time            `json:"expires_at"`
	User      auth.Principal       `json:"user"`
	Role      *auth.RoleAssignment `json:"role,omitempty"`
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if a.deps.Passwords == nil || a.deps.Tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "password sign-up disabled")
		return
	}
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.deps.Passwords.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.issue(w, r, http.StatusCreated, p)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.deps.Passwords == nil || a.deps.Tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "password login disabled")
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.deps.Passwords.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if a.deps.Sessions != nil {
			a.deps.Sessions.SignInFailed(r.Context(), identity.ProviderPassword, req.Email, err)
		}
		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrInvalidInput) {
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		a.handleError(w, r, err)
		return
	}

	if a.deps.TwoFactor != nil {
		required, err := a.deps.TwoFactor.Required(r.Context(), p.ID)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		if required {
			code := strings.TrimSpace(req.Code)
			if code == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error":               "two-factor code required",
					"two_factor_required": true,
					"request_id":          requestIDFrom(r.Context()),
				})
				return
			}
			if !a.deps.TwoFactor.Verify(r.Context(), p, code) {
				writeError(w, r, http.StatusUnauthorized, "invalid two-factor code")
				return
			}
		}
	}
	a.issue(w, r, http.StatusOK, p)
}

// issue records the sign-in, loads the role and returns a bearer token.
func (a *API) issue(w http.ResponseWriter, r *http.Request, code int, p auth.Principal) {
	resp := tokenResponse{User: p}
	if a.deps.Sessions != nil {
		role, err := a.deps.Sessions.SignedIn(r.Context(), p, r.UserAgent())
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		resp.Role = &role
	}
	token, expiresAt, err := a.deps.Tokens.Issue(p)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	resp.Token = token
	resp.ExpiresAt = expiresAt
	writeJSON(w, code, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.CallerFrom(r.Context())
	if err := a.deps.Tokens.Revoke(r.Context(), c.Token); err != nil {
		a.handleError(w, r, err)
		return
	}
	if a.deps.Sessions != nil {
		a.deps.Sessions.SignedOut(r.Context(), principal(r))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnable2FA(w http.ResponseWriter, r *http.Request) {
	if a.deps.TwoFactor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "two-factor disabled")
		return
	}
	enrollment, err := a.deps.TwoFactor.Enable(r.Context(), principal(r))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	if a.deps.TwoFactor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "two-factor disabled")
		return
	}
	var req verifyCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": a.deps.TwoFactor.Verify(r.Context(), principal(r), req.Code),
	})
}
