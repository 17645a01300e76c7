package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/docstore"
)

// DefaultIssuer labels enrolments in authenticator apps.
const DefaultIssuer = "Nutritional Insights"

// skewSteps is how many periods either side of now a code may come from.
const skewSteps = 1

// validateOpts checks a single period; skew is walked step by step so the
// accepted step is known.
var validateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      0,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is returned once when two-factor authentication is enabled.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauthUrl"`
}

// TwoFactor manages RFC 6238 time-based one-time passwords.
type TwoFactor struct {
	docs    docstore.Store
	auditor Auditor
	issuer  string
	now     func() time.Time
}

// NewTwoFactor builds the TOTP manager. An empty issuer uses DefaultIssuer.
func NewTwoFactor(docs docstore.Store, auditor Auditor, issuer string) *TwoFactor {
	if strings.TrimSpace(issuer) == "" {
		issuer = DefaultIssuer
	}
	return &TwoFactor{docs: docs, auditor: auditor, issuer: issuer, now: time.Now}
}

// Enable generates and stores a new secret for p.
func (f *TwoFactor) Enable(ctx context.Context, p auth.Principal) (Enrollment, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Enrollment{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	account := p.Email
	if account == "" {
		account = p.ID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      f.issuer,
		AccountName: account,
		SecretSize:  20,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}
	batch := docstore.NewBatch().
		Set(CredentialsCollection, p.ID, map[string]any{"twoFactorSecret": key.Secret(), "twoFactorLastStep": 0}, true).
		Set(audit.UsersCollection, p.ID, map[string]any{
			"twoFactorEnabled":   true,
			"twoFactorEnabledAt": docstore.ServerTimestamp,
		}, true)
	if err := f.docs.Commit(ctx, batch); err != nil {
		return Enrollment{}, fmt.Errorf("store totp secret: %w", err)
	}
	f.auditor.LogEvent(ctx, audit.Actor{ID: p.ID, Email: p.Email}, audit.Event2FAEnabled, map[string]any{
		"userId":    p.ID,
		"timestamp": f.stamp(),
	})
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Required reports whether principalID has two-factor authentication enabled.
func (f *TwoFactor) Required(ctx context.Context, principalID string) (bool, error) {
	doc, err := f.docs.Get(ctx, audit.UsersCollection, principalID)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load profile: %w", err)
	}
	enabled, _ := doc.Data["twoFactorEnabled"].(bool)
	return enabled, nil
}

// Verify checks a six-digit code against the stored secret, allowing one
// period of clock skew either way. A code is accepted at most once: its time
// step must be later than the last accepted one.
func (f *TwoFactor) Verify(ctx context.Context, p auth.Principal, code string) bool {
	ok := f.validate(ctx, p.ID, strings.TrimSpace(code))
	event := audit.Event2FASuccess
	if !ok {
		event = audit.Event2FAFailed
	}
	f.auditor.LogEvent(ctx, audit.Actor{ID: p.ID, Email: p.Email}, event, map[string]any{
		"userId":    p.ID,
		"timestamp": f.stamp(),
	})
	return ok
}

func (f *TwoFactor) validate(ctx context.Context, principalID, code string) bool {
	if principalID == "" || len(code) != 6 {
		return false
	}
	cred, err := f.docs.Get(ctx, CredentialsCollection, principalID)
	if err != nil {
		return false
	}
	secret := cred.String("twoFactorSecret")
	if secret == "" {
		return false
	}
	step, ok := matchStep(code, secret, f.now().UTC())
	if !ok {
		return false
	}
	if last, ok := cred.Data["twoFactorLastStep"].(float64); ok && step <= int64(last) {
		return false
	}
	err = f.docs.Set(ctx, CredentialsCollection, principalID, map[string]any{"twoFactorLastStep": step}, docstore.SetOptions{Merge: true})
	return err == nil
}

// matchStep returns the time step within the skew window that code belongs to.
func matchStep(code, secret string, now time.Time) (int64, bool) {
	period := int64(validateOpts.Period)
	current := now.Unix() / period
	for delta := int64(-skewSteps); delta <= skewSteps; delta++ {
		at := now.Add(time.Duration(delta*period) * time.Second)
		if ok, err := totp.ValidateCustom(code, secret, at, validateOpts); err == nil && ok {
			return current + delta, true
		}
	}
	return 0, false
}

func (f *TwoFactor) stamp() string {
	return f.now().UTC().Format(time.RFC3339Nano)
}
