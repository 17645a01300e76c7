package encryption

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/obs"
)

// ErrNotFound reports a missing encrypted container.
var ErrNotFound = errors.New("encryption: container not found")

// Container field names.
const (
	fieldEncryptedData = "encrypted_data"
	fieldDataHash      = "data_hash"
	fieldEncryptedAt   = "encrypted_at"
	fieldAlgorithm     = "algorithm"
)

// Auditor receives encryption audit events.
type Auditor interface {
	LogEvent(ctx context.Context, actor audit.Actor, eventType string, data map[string]any)
	LogDataAccess(ctx context.Context, actor audit.Actor, resourceType, resourceID, action string)
	LogSecurityEvent(ctx context.Context, actor audit.Actor, securityEventType, severity string, details map[string]any)
}

// Service persists encrypted containers in the document store.
type Service struct {
	docs    docstore.Store
	auditor Auditor
	cipher  Cipher
	logger  *slog.Logger
}

// Option configures Service.
type Option func(*Service)

// WithCipher selects the algorithm for new containers.
func WithCipher(c Cipher) Option {
	return func(s *Service) { s.cipher = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService builds the encryption service.
func NewService(docs docstore.Store, auditor Auditor, opts ...Option) *Service {
	s := &Service{docs: docs, auditor: auditor}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = obs.ResolveLogger(s.logger)
	return s
}

// EncryptAndStore writes payload as an encrypted container at collection/docID.
func (s *Service) EncryptAndStore(ctx context.Context, actor audit.Actor, collection, docID string, payload any, k Key) error {
	plain, err := canonical(payload)
	if err != nil {
		return err
	}
	encrypted, err := s.cipher.seal(plain, k)
	obs.RecordCryptoOp("encrypt", err)
	if err != nil {
		return err
	}
	err = s.docs.Set(ctx, collection, docID, map[string]any{
		fieldEncryptedData: encrypted,
		fieldDataHash:      hashBytes(plain),
		fieldEncryptedAt:   docstore.ServerTimestamp,
		fieldAlgorithm:     s.cipher.Algorithm(),
	}, docstore.SetOptions{})
	if err != nil {
		s.logger.Error("encrypted store failed",
			"event", "encrypt_store_failed",
			"module", "encryption",
			"layer", "service",
			"collection", collection,
			"doc_id", docID,
			"error", err.Error(),
		)
		return fmt.Errorf("store encrypted %s/%s: %w", collection, docID, err)
	}
	s.auditor.LogEvent(ctx, actor, audit.EventDataEncrypted, map[string]any{
		"collection": collection,
		"docId":      docID,
		"algorithm":  s.cipher.Algorithm(),
	})
	return nil
}

// RetrieveAndDecrypt reads the container at collection/docID, decrypts it
// into out, and verifies the stored hash. A hash mismatch returns ErrIntegrity
// even when decryption succeeded.
func (s *Service) RetrieveAndDecrypt(ctx context.Context, actor audit.Actor, collection, docID string, k Key, out any) error {
	doc, err := s.docs.Get(ctx, collection, docID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, docID)
	}
	if err != nil {
		return fmt.Errorf("load encrypted %s/%s: %w", collection, docID, err)
	}
	c, err := NewCipher(doc.String(fieldAlgorithm))
	if err != nil {
		return err
	}
	plain, err := c.open(doc.String(fieldEncryptedData), k)
	obs.RecordCryptoOp("decrypt", err)
	if err != nil {
		return err
	}
	if err := s.verify(ctx, actor, collection, docID, plain, doc.String(fieldDataHash)); err != nil {
		return err
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidInput, err)
	}
	s.auditor.LogDataAccess(ctx, actor, collection, docID, "decrypt")
	return nil
}

func (s *Service) verify(ctx context.Context, actor audit.Actor, collection, docID string, plain []byte, stored string) error {
	normalized, err := canonicalBytes(plain)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(hashBytes(normalized)), []byte(stored)) == 1 {
		return nil
	}
	s.auditor.LogSecurityEvent(ctx, actor, "integrity_violation", audit.SeverityHigh, map[string]any{
		"collection": collection,
		"docId":      docID,
	})
	return fmt.Errorf("%w: hash mismatch for %s/%s", ErrIntegrity, collection, docID)
}
