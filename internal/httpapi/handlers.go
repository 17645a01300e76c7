package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/encryption"
	"nutriguard.org/internal/identity"
	"nutriguard.org/internal/obs"
)

const (
	serviceName         = "nutriguard-api"
	defaultMaxBodyBytes = 1 << 20
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyCheck reports readiness by pinging the document store.
type ReadyCheck struct {
	Store docstore.Store
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Ready     readinessChecker
	Version   string
	Roles     *auth.Service
	Trail     *audit.Trail
	Tokens    *identity.Tokens
	Sessions  *identity.Sessions
	Passwords *identity.Passwords
	TwoFactor *identity.TwoFactor
	Crypto    *encryption.Service
	Vault     *encryption.Vault
	Logger    *slog.Logger

	AllowedOrigins []string
	RateBurst      int
	RatePerSec     int
	MaxBodyBytes   int64
}

// API is the HTTP layer.
type API struct {
	router chi.Router
	deps   Deps
	logger *slog.Logger

	rateBurst  int
	ratePerSec int
}

// New builds the router.
func New(deps Deps) *API {
	if deps.Ready == nil {
		deps.Ready = ReadyCheck{}
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	a := &API{
		deps:       deps,
		logger:     obs.ResolveLogger(deps.Logger),
		rateBurst:  deps.RateBurst,
		ratePerSec: deps.RatePerSec,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Post("/v1/auth/signup", a.handleSignUp)
	r.Post("/v1/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.Post("/v1/auth/logout", a.handleLogout)
		r.Post("/v1/auth/2fa/enable", a.handleEnable2FA)
		r.Post("/v1/auth/2fa/verify", a.handleVerify2FA)

		r.Get("/v1/me/role", a.handleMyRole)
		r.Get("/v1/me/audit", a.handleMyAudit)
		r.Post("/v1/permissions/check", a.handlePermissionCheck)
		r.Post("/v1/access/check", a.handleAccessCheck)
		r.Put("/v1/users/{id}/role", a.handleAssignRole)
		r.Post("/v1/users/{id}/revocations", a.handleRevoke)
		r.Get("/v1/users/{id}/revocations", a.handleListRevocations)
		r.Get("/v1/roles", a.handleListAssignments)
		r.Get("/v1/roles/{name}", a.handleRoleInfo)
		r.Post("/v1/role-requests", a.handleRoleRequest)

		if a.deps.Crypto != nil {
			r.Put("/v1/me/health-profile", a.handleSealProfile)
			r.Post("/v1/me/health-profile/decrypt", a.handleOpenProfile)
		}
		if a.deps.Vault != nil {
			r.Put("/v1/me/vault/{name}", a.handleVaultPut)
			r.Post("/v1/me/vault/{name}/open", a.handleVaultOpen)
			r.Delete("/v1/me/vault/{name}", a.handleVaultClear)
		}

		r.Get("/v1/audit/logs", a.handleAuditLogs)
		r.Get("/v1/audit/stream", a.Stream)
		r.Get("/v1/users/{id}/export", a.handleExport)
		r.Delete("/v1/users/{id}/data", a.handleDeleteData)
		r.Get("/v1/compliance/report", a.handleComplianceReport)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.deps.MaxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.deps.AllowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if r != nil {
		if rid := requestIDFrom(r.Context()); rid != "" {
			body["request_id"] = rid
		}
	}
	writeJSON(w, code, body)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, audit.ErrInvalidSubject),
		errors.Is(err, identity.ErrInvalidInput),
		errors.Is(err, encryption.ErrInvalidInput),
		errors.Is(err, encryption.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrEmailTaken), errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, docstore.ErrNotFound), errors.Is(err, encryption.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, encryption.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, docstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			"event", "request_failed",
			"module", "httpapi",
			"layer", "handler",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
		if code == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
			msg = "storage unavailable, retry later"
		} else {
			msg = "internal error"
		}
	}
	writeError(w, r, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD", name)
}
