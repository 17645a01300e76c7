package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/docstore"
)

type env struct {
	docs  *docstore.MemoryStore
	trail *audit.Trail
	roles *auth.Service
}

func newEnv(t *testing.T) env {
	t.Helper()
	docs := docstore.NewMemoryStore()
	trail := audit.NewTrail(docs)
	roles, err := auth.NewService(auth.NewDocumentStore(docs), trail)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	return env{docs: docs, trail: trail, roles: roles}
}

func TestSessionsSignedInProvisionsAndLogs(t *testing.T) {
	e := newEnv(t)
	sessions := NewSessions(e.roles, e.trail, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := sessions.Subscribe(ctx)

	p := auth.Principal{ID: "g-1", Email: "g@example.org", Provider: "google"}
	role, err := sessions.SignedIn(ctx, p, "test-agent")
	if err != nil {
		t.Fatalf("SignedIn: %v", err)
	}
	if role.Role != auth.RoleViewer {
		t.Fatalf("expected viewer, got %s", role.Role)
	}
	logins := e.trail.LoginAttempts(ctx, 10)
	if len(logins) != 1 || logins[0].Data["provider"] != "google" || logins[0].UserAgent != "test-agent" {
		t.Fatalf("unexpected login records: %+v", logins)
	}

	select {
	case c := <-changes:
		if !c.SignedIn || c.Principal.ID != "g-1" {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change published")
	}

	sessions.SignedOut(ctx, p)
	if got := e.trail.GetLogs(ctx, audit.Filter{EventType: audit.EventUserLogout}, 10); len(got) != 1 {
		t.Fatalf("expected logout record, got %d", len(got))
	}

	sessions.SignInFailed(ctx, "github", "", errors.New("popup closed"))
	failed := e.trail.FailedLogins(ctx, 10)
	if len(failed) != 1 || failed[0].Data["error"] != "popup closed" || failed[0].UserID != audit.Anonymous {
		t.Fatalf("unexpected failed login: %+v", failed)
	}
}

func TestPasswordsSignUpAndSignIn(t *testing.T) {
	e := newEnv(t)
	passwords := NewPasswords(e.docs, e.roles, e.trail)
	ctx := context.Background()

	p, err := passwords.SignUp(ctx, " Ana@Example.org ", "s3cret-pass", "Ana")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if p.Email != "ana@example.org" || p.Provider != ProviderPassword {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if role, err := e.roles.ResolveRole(ctx, p.ID); err != nil || role.Role != auth.RoleViewer || role.UpdatedBy != auth.SystemActor {
		t.Fatalf("unexpected role: %+v (%v)", role, err)
	}
	profile, err := e.docs.Get(ctx, audit.UsersCollection, p.ID)
	if err != nil {
		t.Fatalf("profile missing: %v", err)
	}
	if _, leaked := profile.Data["passwordHash"]; leaked {
		t.Fatal("password hash stored on the profile")
	}
	if got := e.trail.GetLogs(ctx, audit.Filter{EventType: audit.EventUserSignup}, 10); len(got) != 1 {
		t.Fatalf("expected signup record, got %d", len(got))
	}

	if _, err := passwords.SignUp(ctx, "ana@example.org", "another-pass", "Dup"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, err := passwords.SignUp(ctx, "bob@example.org", "short", "Bob"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	got, err := passwords.SignIn(ctx, "ANA@example.org", "s3cret-pass")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if got.ID != p.ID || got.DisplayName != "Ana" {
		t.Fatalf("unexpected sign-in principal: %+v", got)
	}
	if _, err := passwords.SignIn(ctx, "ana@example.org", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := passwords.SignIn(ctx, "ghost@example.org", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPasswordsConcurrentSignUpClaimsEmailOnce(t *testing.T) {
	e := newEnv(t)
	passwords := NewPasswords(e.docs, e.roles, e.trail)
	passwords.cost = 4
	ctx := context.Background()

	const racers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ok    int
		taken int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := passwords.SignUp(ctx, "race@example.org", "pass-word", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrEmailTaken):
				taken++
			default:
				t.Errorf("SignUp: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || taken != racers-1 {
		t.Fatalf("expected one account, got %d created and %d taken", ok, taken)
	}
	creds, err := e.docs.Query(ctx, docstore.Query{Collection: CredentialsCollection}.Where("email", "==", "race@example.org"))
	if err != nil || len(creds) != 1 {
		t.Fatalf("expected one credentials document, got %d (%v)", len(creds), err)
	}
	claim, err := e.docs.Get(ctx, EmailsCollection, "race@example.org")
	if err != nil || claim.String("userId") != creds[0].ID {
		t.Fatalf("email claim does not point at the account: %v %v", claim.Data, err)
	}
}

type failingCommitStore struct{ docstore.Store }

func (failingCommitStore) Commit(context.Context, *docstore.Batch) error {
	return docstore.ErrUnavailable
}

func TestPasswordsSignUpReleasesClaimOnFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	broken := NewPasswords(failingCommitStore{Store: e.docs}, e.roles, e.trail)
	broken.cost = 4
	if _, err := broken.SignUp(ctx, "dee@example.org", "pass-word", ""); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := e.docs.Get(ctx, EmailsCollection, "dee@example.org"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("claim should be released, got %v", err)
	}

	passwords := NewPasswords(e.docs, e.roles, e.trail)
	passwords.cost = 4
	if _, err := passwords.SignUp(ctx, "dee@example.org", "pass-word", ""); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestPasswordHashStoredInCredentials(t *testing.T) {
	e := newEnv(t)
	passwords := NewPasswords(e.docs, e.roles, e.trail)
	passwords.cost = 4
	ctx := context.Background()

	p, err := passwords.SignUp(ctx, "cy@example.org", "pass-word", "")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	cred, err := e.docs.Get(ctx, CredentialsCollection, p.ID)
	if err != nil {
		t.Fatalf("credentials missing: %v", err)
	}
	hash := cred.String("passwordHash")
	if hash == "" || hash == "pass-word" {
		t.Fatalf("unexpected stored hash %q", hash)
	}
	if !passwordMatches(hash, "pass-word") {
		t.Fatal("stored hash does not verify")
	}
	if passwordMatches(hash, "") || passwordMatches("", "pass-word") {
		t.Fatal("empty hash or password must not match")
	}
}

func TestTwoFactorEnableAndVerify(t *testing.T) {
	e := newEnv(t)
	f := NewTwoFactor(e.docs, e.trail, "")
	ctx := context.Background()
	p := auth.Principal{ID: "u1", Email: "u1@example.org"}

	if required, err := f.Required(ctx, p.ID); err != nil || required {
		t.Fatalf("Required before enable = %v, %v", required, err)
	}
	if f.Verify(ctx, p, "123456") {
		t.Fatal("verification must fail without a secret")
	}

	enrollment, err := f.Enable(ctx, p)
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if len(enrollment.Secret) != 32 || enrollment.URL == "" {
		t.Fatalf("unexpected enrollment: %+v", enrollment)
	}
	if required, err := f.Required(ctx, p.ID); err != nil || !required {
		t.Fatalf("Required after enable = %v, %v", required, err)
	}
	profile, _ := e.docs.Get(ctx, audit.UsersCollection, p.ID)
	if _, leaked := profile.Data["twoFactorSecret"]; leaked {
		t.Fatal("secret stored on the profile")
	}

	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	code, err := totp.GenerateCode(enrollment.Secret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	previous, _ := totp.GenerateCode(enrollment.Secret, now.Add(-30*time.Second))
	if !f.Verify(ctx, p, previous) {
		t.Fatal("code from the previous period should pass with skew")
	}
	if !f.Verify(ctx, p, code) {
		t.Fatal("current code rejected")
	}
	if f.Verify(ctx, p, code) {
		t.Fatal("replayed code accepted")
	}
	if previous != code && f.Verify(ctx, p, previous) {
		t.Fatal("code older than the last accepted step accepted")
	}
	cred, _ := e.docs.Get(ctx, CredentialsCollection, p.ID)
	if cred.Data["twoFactorLastStep"] != float64(now.Unix()/30) {
		t.Fatalf("last step not recorded: %v", cred.Data["twoFactorLastStep"])
	}
	next, _ := totp.GenerateCode(enrollment.Secret, now.Add(30*time.Second))
	f.now = func() time.Time { return now.Add(30 * time.Second) }
	if next != code && !f.Verify(ctx, p, next) {
		t.Fatal("code from the next period rejected")
	}
	f.now = func() time.Time { return now }
	stale, _ := totp.GenerateCode(enrollment.Secret, now.Add(-5*time.Minute))
	if stale != code && f.Verify(ctx, p, stale) {
		t.Fatal("stale code accepted")
	}
	if f.Verify(ctx, p, "12345") {
		t.Fatal("short code accepted")
	}

	if got := e.trail.GetLogs(ctx, audit.Filter{EventType: audit.Event2FAEnabled}, 10); len(got) != 1 {
		t.Fatalf("expected 2fa_enabled, got %d", len(got))
	}
	if got := e.trail.GetLogs(ctx, audit.Filter{EventType: audit.Event2FASuccess}, 10); len(got) != 3 {
		t.Fatalf("expected 3 successes, got %d", len(got))
	}
}
