package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithms recorded on encrypted containers.
const (
	AlgorithmAESGCM   = "AES-GCM"
	AlgorithmChaCha20 = "ChaCha20-Poly1305"
)

// NonceSize is the per-message nonce length for both algorithms.
const NonceSize = 12

// ErrIntegrity reports a ciphertext that failed authentication or a payload
// whose hash no longer matches.
var ErrIntegrity = errors.New("encryption: integrity check failed")

// Cipher encrypts payloads with one AEAD algorithm. The zero value uses AES-GCM.
type Cipher struct {
	algorithm string
}

// NewCipher returns a cipher for algorithm; empty selects AES-GCM.
func NewCipher(algorithm string) (Cipher, error) {
	switch strings.TrimSpace(algorithm) {
	case "", AlgorithmAESGCM:
		return Cipher{algorithm: AlgorithmAESGCM}, nil
	case AlgorithmChaCha20:
		return Cipher{algorithm: AlgorithmChaCha20}, nil
	}
	return Cipher{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidInput, algorithm)
}

// Algorithm names the cipher.
func (c Cipher) Algorithm() string {
	if c.algorithm == "" {
		return AlgorithmAESGCM
	}
	return c.algorithm
}

func (c Cipher) aead(k Key) (cipher.AEAD, error) {
	if c.Algorithm() == AlgorithmChaCha20 {
		return chacha20poly1305.New(k[:])
	}
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt serializes payload canonically and seals it under k with a fresh
// random nonce. The result is base64(nonce || ciphertext || tag).
func (c Cipher) Encrypt(payload any, k Key) (string, error) {
	plain, err := canonical(payload)
	if err != nil {
		return "", err
	}
	return c.seal(plain, k)
}

func (c Cipher) seal(plain []byte, k Key) (string, error) {
	aead, err := c.aead(k)
	if err != nil {
		return "", fmt.Errorf("init %s: %w", c.Algorithm(), err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plain)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out = aead.Seal(out, out[:NonceSize], plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c Cipher) open(encoded string, k Key) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrIntegrity, err)
	}
	aead, err := c.aead(k)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", c.Algorithm(), err)
	}
	if len(raw) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}
	plain, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plain, nil
}

// Decrypt opens encoded under k and unmarshals the payload into out.
func (c Cipher) Decrypt(encoded string, k Key, out any) error {
	plain, err := c.open(encoded, k)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidInput, err)
	}
	return nil
}

// Encrypt seals payload with AES-256-GCM.
func Encrypt(payload any, k Key) (string, error) {
	return Cipher{}.Encrypt(payload, k)
}

// Decrypt opens an AES-256-GCM ciphertext into out.
func Decrypt(encoded string, k Key, out any) error {
	return Cipher{}.Decrypt(encoded, k, out)
}

// DecryptValue opens an AES-256-GCM ciphertext into a generic value.
func DecryptValue(encoded string, k Key) (any, error) {
	var v any
	if err := Decrypt(encoded, k, &v); err != nil {
		return nil, err
	}
	return v, nil
}
