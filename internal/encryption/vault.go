package encryption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nutriguard.org/internal/kv"
	"nutriguard.org/internal/obs"
)

const saltSuffix = "_salt"

// Vault keeps password-protected payloads in session storage. Each entry is
// stored at key with its salt at key+"_salt", both with the same TTL. Keys
// ending in "_salt" are rejected so one entry can never address another
// entry's salt.
type Vault struct {
	store  kv.Store
	ttl    time.Duration
	cipher Cipher
	logger *slog.Logger
}

// NewVault returns a vault over store. ttl <= 0 keeps entries until cleared.
func NewVault(store kv.Store, ttl time.Duration, logger *slog.Logger) *Vault {
	return &Vault{store: store, ttl: ttl, logger: obs.ResolveLogger(logger)}
}

// SetSecure encrypts payload under a key derived from password.
func (v *Vault) SetSecure(ctx context.Context, key string, payload any, password string) error {
	if err := checkVaultKey(key); err != nil {
		return err
	}
	k, salt, err := DeriveKeyFromPassword(password, "")
	if err != nil {
		return err
	}
	encrypted, err := v.cipher.Encrypt(payload, k)
	obs.RecordCryptoOp("encrypt", err)
	if err != nil {
		return err
	}
	if err := v.store.Set(ctx, key, encrypted, v.ttl); err != nil {
		return fmt.Errorf("vault set %s: %w", key, err)
	}
	if err := v.store.Set(ctx, key+saltSuffix, salt, v.ttl); err != nil {
		return fmt.Errorf("vault set %s salt: %w", key, err)
	}
	return nil
}

// GetSecure decrypts the entry at key into out. It reports false with a nil
// error when the entry or its salt is absent.
func (v *Vault) GetSecure(ctx context.Context, key, password string, out any) (bool, error) {
	if err := checkVaultKey(key); err != nil {
		return false, err
	}
	encrypted, err := v.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, v.fail(key, fmt.Errorf("vault get %s: %w", key, err))
	}
	salt, err := v.store.Get(ctx, key+saltSuffix)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, v.fail(key, fmt.Errorf("vault get %s salt: %w", key, err))
	}
	k, _, err := DeriveKeyFromPassword(password, salt)
	if err != nil {
		return false, v.fail(key, err)
	}
	err = v.cipher.Decrypt(encrypted, k, out)
	obs.RecordCryptoOp("decrypt", err)
	if err != nil {
		return false, v.fail(key, err)
	}
	return true, nil
}

// ClearSecure removes the entry and its salt.
func (v *Vault) ClearSecure(ctx context.Context, key string) error {
	if err := checkVaultKey(key); err != nil {
		return err
	}
	return v.store.Del(ctx, key, key+saltSuffix)
}

func checkVaultKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidInput)
	}
	if strings.HasSuffix(key, saltSuffix) {
		return fmt.Errorf("%w: key may not end in %q", ErrInvalidInput, saltSuffix)
	}
	return nil
}

func (v *Vault) fail(key string, err error) error {
	v.logger.Warn("vault read failed",
		"event", "vault_read_failed",
		"module", "encryption",
		"layer", "vault",
		"key", key,
		"error", err.Error(),
	)
	return err
}
