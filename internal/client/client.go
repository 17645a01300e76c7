// Package client is a Go client for the nutriguard HTTP API plus the gRPC
// health endpoint. Service errors are mapped back onto the package errors of
// auth, identity and encryption so callers can use errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/encryption"
	"nutriguard.org/internal/identity"
)

// ErrTwoFactorRequired is returned by Login when the account needs a TOTP code.
var ErrTwoFactorRequired = errors.New("client: two-factor code required")

// Error is a non-2xx API response.
type Error struct {
	Status    int
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the matching service error.
func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return auth.ErrPermissionDenied
	case http.StatusBadRequest:
		return auth.ErrInvalidInput
	case http.StatusUnauthorized:
		return identity.ErrInvalidCredentials
	case http.StatusConflict:
		return identity.ErrEmailTaken
	case http.StatusNotFound:
		return auth.ErrNotFound
	case http.StatusUnprocessableEntity:
		return encryption.ErrIntegrity
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return docstore.ErrUnavailable
	}
	return nil
}

// Session is the result of sign-up or login.
type Session struct {
	Token     string               `json:"token"`
	ExpiresAt time.Time            `json:"expires_at"`
	User      auth.Principal       `json:"user"`
	Role      *auth.RoleAssignment `json:"role,omitempty"`
}

// Client talks to one API base URL. A Client with a token acts as that user.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New returns an anonymous client. A nil httpClient uses a 10s timeout client.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// WithToken returns a copy acting with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error             string `json:"error"`
			RequestID         string `json:"request_id"`
			TwoFactorRequired bool   `json:"two_factor_required"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.TwoFactorRequired {
			return ErrTwoFactorRequired
		}
		return &Error{Status: resp.StatusCode, Message: payload.Error, RequestID: payload.RequestID}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SignUp creates an account and returns its session.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/v1/auth/signup", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	}, &s)
	return s, err
}

// Login signs in. code may be empty when two-factor is off.
func (c *Client) Login(ctx context.Context, email, password, code string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
		"code":     code,
	}, &s)
	return s, err
}

// MyRole returns the caller's role assignment.
func (c *Client) MyRole(ctx context.Context) (auth.RoleAssignment, error) {
	var a auth.RoleAssignment
	err := c.do(ctx, http.MethodGet, "/v1/me/role", nil, &a)
	return a, err
}

// HasPermission asks whether the caller holds permission.
func (c *Client) HasPermission(ctx context.Context, permission string) (bool, error) {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/permissions/check", map[string]string{"permission": permission}, &out)
	return out.Allowed, err
}

// AssignRole sets target's role. The caller needs manage_roles.
func (c *Client) AssignRole(ctx context.Context, targetID, role string) (auth.RoleAssignment, error) {
	var a auth.RoleAssignment
	err := c.do(ctx, http.MethodPut, "/v1/users/"+url.PathEscape(targetID)+"/role", map[string]string{"role": role}, &a)
	return a, err
}

// AuditLogs lists audit records. The caller needs view_audit_logs.
func (c *Client) AuditLogs(ctx context.Context, f audit.Filter, limit int) ([]audit.Record, error) {
	q := url.Values{}
	if f.EventType != "" {
		q.Set("event_type", f.EventType)
	}
	if f.UserID != "" {
		q.Set("user_id", f.UserID)
	}
	if !f.Start.IsZero() {
		q.Set("start", f.Start.UTC().Format(time.RFC3339Nano))
	}
	if !f.End.IsZero() {
		q.Set("end", f.End.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/audit/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Logs []audit.Record `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Logs, err
}

// Health is a gRPC health-check connection.
type Health struct {
	conn *grpc.ClientConn
	svc  healthpb.HealthClient
}

// DialHealth connects to the gRPC endpoint (insecure transport by default).
func DialHealth(target string, opts ...grpc.DialOption) (*Health, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Health{conn: conn, svc: healthpb.NewHealthClient(conn)}, nil
}

// Serving reports whether the server answers SERVING.
func (h *Health) Serving(ctx context.Context) (bool, error) {
	resp, err := h.svc.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the underlying connection.
func (h *Health) Close() error {
	if h == nil || h.conn == nil {
		return nil
	}
	return h.conn.Close()
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
