package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the symmetric key length in bytes.
	KeySize = 32
	// SaltSize is the length of generated password salts.
	SaltSize = 16
	// PBKDF2Iterations is the work factor for password-derived keys.
	PBKDF2Iterations = 100000

	defaultTokenBytes = 32
)

var (
	ErrInvalidKey   = errors.New("encryption: invalid key")
	ErrInvalidInput = errors.New("encryption: invalid input")
)

// Key is a 256-bit symmetric key.
type Key [KeySize]byte

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// ExportKey encodes k for storage.
func ExportKey(k Key) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ImportKey decodes a key produced by ExportKey.
func ImportKey(encoded string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// DeriveKeyFromPassword stretches password with PBKDF2-HMAC-SHA256. An empty
// salt generates a fresh one; the base64 salt is returned either way and must
// be stored to derive the same key again.
func DeriveKeyFromPassword(password, salt string) (Key, string, error) {
	if password == "" {
		return Key{}, "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	var saltBytes []byte
	if salt == "" {
		saltBytes = make([]byte, SaltSize)
		if _, err := rand.Read(saltBytes); err != nil {
			return Key{}, "", fmt.Errorf("generate salt: %w", err)
		}
		salt = base64.StdEncoding.EncodeToString(saltBytes)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(salt)
		if err != nil {
			return Key{}, "", fmt.Errorf("%w: salt: %v", ErrInvalidInput, err)
		}
		saltBytes = decoded
	}
	var k Key
	copy(k[:], pbkdf2.Key([]byte(password), saltBytes, PBKDF2Iterations, KeySize, sha256.New))
	return k, salt, nil
}

// GenerateToken returns n random bytes, base64 encoded. n <= 0 uses 32.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = defaultTokenBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
