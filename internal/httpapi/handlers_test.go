package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/encryption"
	"nutriguard.org/internal/identity"
	"nutriguard.org/internal/kv"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	roles *auth.Service
	trail *audit.Trail
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	docs := docstore.NewMemoryStore()
	trail := audit.NewTrail(docs,
		audit.WithPersonalCollections(identity.CredentialsCollection, HealthProfileCollection),
		audit.WithEmailIndex(identity.EmailsCollection),
	)
	roles, err := auth.NewService(auth.NewDocumentStore(docs), trail)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	tokens, err := identity.NewTokens("test-secret", "nutriguard-test", time.Hour, identity.WithRevocationStore(kv.NewMemoryStore()))
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}

	api := New(Deps{
		Ready:     ReadyCheck{Store: docs},
		Version:   "test",
		Roles:     roles,
		Trail:     trail,
		Tokens:    tokens,
		Sessions:  identity.NewSessions(roles, trail, nil),
		Passwords: identity.NewPasswords(docs, roles, trail),
		TwoFactor: identity.NewTwoFactor(docs, trail, ""),
		Crypto:    encryption.NewService(docs, trail),
		Vault:     encryption.NewVault(kv.NewMemoryStore(), time.Hour, nil),
	})
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		roles:   roles,
		trail:   trail,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(authHeader, bearer+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) signUp(email string) (string, auth.Principal) {
	c.t.Helper()
	resp := c.post("/v1/auth/signup", map[string]any{
		"email":        email,
		"password":     "correct-horse",
		"display_name": "Test User",
	}, "")
	if resp.StatusCode != http.StatusCreated {
		resp.Body.Close()
		c.t.Fatalf("unexpected signup status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token, payload.User
}

// admin signs up a user and promotes it through the system path.
func (c *apiClient) admin(email string) (string, auth.Principal) {
	c.t.Helper()
	token, p := c.signUp(email)
	if err := c.roles.AssignRole(context.Background(), p.ID, auth.RoleAdmin, ""); err != nil {
		c.t.Fatalf("promote admin: %v", err)
	}
	return token, p
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := decode[map[string]any](t, resp)
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func TestHealthReadyInfo(t *testing.T) {
	c := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil, "")
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := c.get("/metrics", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status: %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/me/role", nil, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.get("/v1/me/role", nil, "not-a-jwt")
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "invalid token" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}
}

func TestSignUpProvisionsViewer(t *testing.T) {
	c := newTestAPI(t)
	token, p := c.signUp("alice@example.com")

	resp := c.get("/v1/me/role", nil, token)
	expectStatus(t, resp, http.StatusOK)
	role := decode[roleResponse](t, resp)
	if role.Role != auth.RoleViewer || role.PrincipalID != p.ID {
		t.Fatalf("unexpected role: %+v", role)
	}
	if role.Display.Name != "Viewer" || role.Display.Level != 1 {
		t.Fatalf("unexpected display: %+v", role.Display)
	}

	resp = c.post("/v1/permissions/check", map[string]any{"permission": auth.PermWrite}, token)
	expectStatus(t, resp, http.StatusOK)
	check := decode[map[string]any](t, resp)
	if check["allowed"] != false {
		t.Fatalf("viewer must not write: %v", check)
	}

	resp = c.post("/v1/access/check", map[string]any{
		"resource_type": "meal",
		"resource_id":   "m1",
		"action":        "read",
	}, token)
	expectStatus(t, resp, http.StatusOK)
	access := decode[map[string]any](t, resp)
	if access["allowed"] != true {
		t.Fatalf("viewer should read: %v", access)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	c := newTestAPI(t)
	c.signUp("dup@example.com")

	resp := c.post("/v1/auth/signup", map[string]any{
		"email":    "dup@example.com",
		"password": "another-pass",
	}, "")
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestLoginRejectsBadPassword(t *testing.T) {
	c := newTestAPI(t)
	c.signUp("bob@example.com")

	resp := c.post("/v1/auth/login", map[string]any{
		"email":    "bob@example.com",
		"password": "wrong-password",
	}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/v1/auth/login", map[string]any{
		"email":    "bob@example.com",
		"password": "correct-horse",
	}, "")
	expectStatus(t, resp, http.StatusOK)
	payload := decode[tokenResponse](t, resp)
	if payload.Role == nil || payload.Role.Role != auth.RoleViewer {
		t.Fatalf("unexpected login role: %+v", payload.Role)
	}

	failed := c.trail.FailedLogins(context.Background(), 10)
	if len(failed) != 1 {
		t.Fatalf("expected one failed login record, got %d", len(failed))
	}
}

func TestAdminAssignsRole(t *testing.T) {
	c := newTestAPI(t)
	adminToken, admin := c.admin("root@example.com")
	userToken, user := c.signUp("carol@example.com")

	resp := c.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "editor"}, userToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "superuser"}, adminToken)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "Editor"}, adminToken)
	expectStatus(t, resp, http.StatusOK)
	assignment := decode[auth.RoleAssignment](t, resp)
	if assignment.Role != auth.RoleEditor || assignment.UpdatedBy != admin.ID {
		t.Fatalf("unexpected assignment: %+v", assignment)
	}

	resp = c.post("/v1/permissions/check", map[string]any{"permission": auth.PermViewAuditLogs}, userToken)
	check := decode[map[string]any](t, resp)
	if check["allowed"] != true {
		t.Fatalf("editor should view audit logs: %v", check)
	}

	resp = c.get("/v1/audit/logs", url.Values{"event_type": {audit.EventPermissionChange}, "user_id": {admin.ID}}, adminToken)
	expectStatus(t, resp, http.StatusOK)
	logs := decode[struct {
		Logs  []audit.Record `json:"logs"`
		Count int            `json:"count"`
	}](t, resp)
	if logs.Count != 1 {
		t.Fatalf("expected one permission change by admin, got %d", logs.Count)
	}
	data := logs.Logs[0].Data
	if data["oldRole"] != auth.RoleViewer || data["newRole"] != auth.RoleEditor || data["targetUserId"] != user.ID {
		t.Fatalf("unexpected permission change: %v", data)
	}
}

func TestViewerCannotReadAuditLogs(t *testing.T) {
	c := newTestAPI(t)
	token, p := c.signUp("dave@example.com")

	resp := c.get("/v1/audit/logs", nil, token)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	security := c.trail.SecurityEvents(context.Background(), 10)
	if len(security) != 1 || security[0].UserID != p.ID {
		t.Fatalf("expected denial security event, got %+v", security)
	}
	if security[0].Data["securityEventType"] != "unauthorized_access" {
		t.Fatalf("unexpected security event: %v", security[0].Data)
	}

	resp = c.get("/v1/me/audit", nil, token)
	expectStatus(t, resp, http.StatusOK)
	mine := decode[map[string]any](t, resp)
	if mine["count"].(float64) < 1 {
		t.Fatalf("expected own audit records, got %v", mine)
	}
}

func TestRevocationLifecycle(t *testing.T) {
	c := newTestAPI(t)
	adminToken, _ := c.admin("ops@example.com")
	userToken, user := c.signUp("erin@example.com")

	resp := c.post("/v1/users/"+user.ID+"/revocations", map[string]any{
		"permission":       auth.PermRead,
		"duration_seconds": 600,
	}, userToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/users/"+user.ID+"/revocations", map[string]any{
		"permission":       auth.PermRead,
		"duration_seconds": 600,
	}, adminToken)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = c.get("/v1/users/"+user.ID+"/revocations", nil, userToken)
	expectStatus(t, resp, http.StatusOK)
	revs := decode[struct {
		Revocations []auth.Revocation `json:"revocations"`
	}](t, resp)
	if len(revs.Revocations) != 1 || revs.Revocations[0].Permission != auth.PermRead {
		t.Fatalf("unexpected revocations: %+v", revs.Revocations)
	}

	// Revocations are recorded but not enforced by default.
	resp = c.post("/v1/permissions/check", map[string]any{"permission": auth.PermRead}, userToken)
	check := decode[map[string]any](t, resp)
	if check["allowed"] != true {
		t.Fatalf("expected read still allowed: %v", check)
	}
}

func TestRolesListingAndInfo(t *testing.T) {
	c := newTestAPI(t)
	adminToken, _ := c.admin("lead@example.com")
	userToken, _ := c.signUp("frank@example.com")

	resp := c.get("/v1/roles", nil, userToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.get("/v1/roles", nil, adminToken)
	expectStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Assignments []auth.RoleAssignment `json:"assignments"`
	}](t, resp)
	if len(list.Assignments) != 2 {
		t.Fatalf("expected two assignments, got %d", len(list.Assignments))
	}

	resp = c.get("/v1/roles/unknown", nil, userToken)
	expectStatus(t, resp, http.StatusOK)
	info := decode[auth.RoleDisplay](t, resp)
	if info.Role != auth.RoleViewer {
		t.Fatalf("unknown role should fall back to viewer, got %+v", info)
	}

	resp = c.post("/v1/role-requests", map[string]any{"role": "editor", "reason": "need to edit"}, userToken)
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	requests := c.trail.GetLogs(context.Background(), audit.Filter{EventType: audit.EventRoleUpgradeRequest}, 10)
	if len(requests) != 1 || requests[0].Data["status"] != "pending" {
		t.Fatalf("unexpected role requests: %+v", requests)
	}
}

func TestExportAndDelete(t *testing.T) {
	c := newTestAPI(t)
	adminToken, _ := c.admin("dpo@example.com")
	userToken, user := c.signUp("gina@example.com")
	otherToken, _ := c.signUp("hank@example.com")

	resp := c.get("/v1/users/"+user.ID+"/export", nil, otherToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.get("/v1/users/"+user.ID+"/export", nil, userToken)
	expectStatus(t, resp, http.StatusOK)
	export := decode[audit.Export](t, resp)
	if export.UserID != user.ID || export.Profile["email"] != "gina@example.com" {
		t.Fatalf("unexpected export: %+v", export)
	}
	if export.Role["role"] != auth.RoleViewer {
		t.Fatalf("unexpected exported role: %v", export.Role)
	}

	resp = c.do(http.MethodDelete, "/v1/users/"+user.ID+"/data", nil, userToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodDelete, "/v1/users/"+user.ID+"/data", nil, adminToken)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/auth/login", map[string]any{
		"email":    "gina@example.com",
		"password": "correct-horse",
	}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	logs := c.trail.GetLogs(context.Background(), audit.Filter{UserID: user.ID}, 100)
	if len(logs) == 0 {
		t.Fatal("audit records must survive deletion")
	}
	for _, rec := range logs {
		if !rec.UserDeleted {
			t.Fatalf("record %s not flagged", rec.ID)
		}
	}
}

func TestComplianceReport(t *testing.T) {
	c := newTestAPI(t)
	adminToken, _ := c.admin("audit@example.com")

	resp := c.get("/v1/compliance/report", url.Values{"start": {"2030-01-02"}, "end": {"2030-01-01"}}, adminToken)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.get("/v1/compliance/report", url.Values{"start": {"yesterday"}}, adminToken)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.get("/v1/compliance/report", nil, adminToken)
	expectStatus(t, resp, http.StatusOK)
	report := decode[audit.Report](t, resp)
	if report.Summary.TotalLogins != 1 || report.Summary.UniqueUsers < 1 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}
}

func TestTwoFactorLogin(t *testing.T) {
	c := newTestAPI(t)
	token, _ := c.signUp("ivy@example.com")

	resp := c.post("/v1/auth/2fa/enable", nil, token)
	expectStatus(t, resp, http.StatusOK)
	enrollment := decode[identity.Enrollment](t, resp)
	if enrollment.Secret == "" || enrollment.URL == "" {
		t.Fatalf("unexpected enrollment: %+v", enrollment)
	}

	resp = c.post("/v1/auth/login", map[string]any{
		"email":    "ivy@example.com",
		"password": "correct-horse",
	}, "")
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized || body["two_factor_required"] != true {
		t.Fatalf("expected two-factor challenge, got %d %v", resp.StatusCode, body)
	}

	resp = c.post("/v1/auth/login", map[string]any{
		"email":    "ivy@example.com",
		"password": "correct-horse",
		"code":     "000000x",
	}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	resp = c.post("/v1/auth/login", map[string]any{
		"email":    "ivy@example.com",
		"password": "correct-horse",
		"code":     code,
	}, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLogout(t *testing.T) {
	c := newTestAPI(t)
	token, p := c.signUp("jack@example.com")

	resp := c.post("/v1/auth/logout", nil, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	logs := c.trail.GetLogs(context.Background(), audit.Filter{EventType: audit.EventUserLogout, UserID: p.ID}, 10)
	if len(logs) != 1 {
		t.Fatalf("expected one logout record, got %d", len(logs))
	}

	resp = c.get("/v1/me/role", nil, token)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/v1/auth/login", map[string]any{"email": "jack@example.com", "password": "correct-horse"}, "")
	expectStatus(t, resp, http.StatusOK)
	fresh := decode[struct {
		Token string `json:"token"`
	}](t, resp)
	resp = c.get("/v1/me/role", nil, fresh.Token)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestUnknownRoute(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/nope", nil, "")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestHealthProfileEncryptedRoundTrip(t *testing.T) {
	c := newTestAPI(t)
	token, p := c.signUp("kim@example.com")

	key, err := encryption.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body := map[string]any{
		"key":     encryption.ExportKey(key),
		"payload": map[string]any{"allergies": []string{"peanut"}, "kcal": 2100},
	}

	resp := c.do(http.MethodPut, "/v1/me/health-profile", body, token)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	if err := c.roles.AssignRole(context.Background(), p.ID, auth.RoleEditor, ""); err != nil {
		t.Fatalf("promote editor: %v", err)
	}
	resp = c.do(http.MethodPut, "/v1/me/health-profile", body, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/me/health-profile/decrypt", map[string]any{"key": encryption.ExportKey(key)}, token)
	expectStatus(t, resp, http.StatusOK)
	out := decode[struct {
		Payload map[string]any `json:"payload"`
	}](t, resp)
	if out.Payload["kcal"] != float64(2100) {
		t.Fatalf("unexpected payload: %v", out.Payload)
	}

	other, _ := encryption.GenerateKey()
	resp = c.post("/v1/me/health-profile/decrypt", map[string]any{"key": encryption.ExportKey(other)}, token)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = c.post("/v1/me/health-profile/decrypt", map[string]any{"key": "short"}, token)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	encrypted := c.trail.GetLogs(context.Background(), audit.Filter{EventType: audit.EventDataEncrypted, UserID: p.ID}, 10)
	if len(encrypted) != 1 {
		t.Fatalf("expected one data_encrypted record, got %d", len(encrypted))
	}
}

func TestSessionVault(t *testing.T) {
	c := newTestAPI(t)
	token, _ := c.signUp("lee@example.com")

	resp := c.do(http.MethodPut, "/v1/me/vault/draft", map[string]any{
		"password": "pin-1234",
		"payload":  map[string]any{"note": "low sodium"},
	}, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/me/vault/draft/open", map[string]any{"password": "pin-1234"}, token)
	expectStatus(t, resp, http.StatusOK)
	out := decode[struct {
		Payload map[string]any `json:"payload"`
	}](t, resp)
	if out.Payload["note"] != "low sodium" {
		t.Fatalf("unexpected payload: %v", out.Payload)
	}

	resp = c.post("/v1/me/vault/draft/open", map[string]any{"password": "wrong"}, token)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = c.do(http.MethodDelete, "/v1/me/vault/draft", nil, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/me/vault/draft/open", map[string]any{"password": "pin-1234"}, token)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSessionVaultRejectsSaltNames(t *testing.T) {
	c := newTestAPI(t)
	token, _ := c.signUp("mia@example.com")

	resp := c.do(http.MethodPut, "/v1/me/vault/a", map[string]any{"password": "pw", "payload": "first"}, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodPut, "/v1/me/vault/a_salt", map[string]any{"password": "pw", "payload": "second"}, token)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/me/vault/a/open", map[string]any{"password": "pw"}, token)
	expectStatus(t, resp, http.StatusOK)
	out := decode[struct {
		Payload string `json:"payload"`
	}](t, resp)
	if out.Payload != "first" {
		t.Fatalf("entry a damaged: %q", out.Payload)
	}
}
