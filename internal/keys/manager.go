// Package keys owns the content-key lifecycle: generation, envelope
// encryption under the server master secret, and the retrieval contract the
// streaming gateway exposes to players.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// ContentKeyLength is fixed by the segment cipher (AES-128).
	ContentKeyLength = 16

	masterKeyLength     = 32
	masterKeyIterations = 120000

	keyIDRandomBytes = 10
)

var (
	// ErrKeyFormat indicates an unwrapped key of the wrong length, almost
	// always a symptom of master-key misconfiguration.
	ErrKeyFormat = errors.New("content key is not 16 bytes")
	// ErrDecrypt indicates the wrapped key could not be opened with the
	// configured master secret.
	ErrDecrypt = errors.New("wrapped key decrypt failed")
	// ErrNotFound indicates no video entry matches the requested key ID.
	ErrNotFound = errors.New("key not found")
)

// ManagerConfig derives the master wrapping key. Passphrase and salt are
// operator-supplied; the derived key never leaves the process.
type ManagerConfig struct {
	Passphrase string
	Salt       string
}

// Manager wraps and unwraps per-video content keys with AES-256-GCM under a
// key derived from the configured passphrase.
type Manager struct {
	aead cipher.AEAD
}

// NewManager derives the master key and prepares the AEAD.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	passphrase := strings.TrimSpace(cfg.Passphrase)
	if passphrase == "" {
		return nil, fmt.Errorf("master key passphrase is required")
	}
	salt := strings.TrimSpace(cfg.Salt)
	if salt == "" {
		return nil, fmt.Errorf("master key salt is required")
	}
	derived := pbkdf2.Key([]byte(passphrase), []byte(salt), masterKeyIterations, masterKeyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("initialise master cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initialise master aead: %w", err)
	}
	return &Manager{aead: aead}, nil
}

// GenerateKey returns a fresh 16-byte content key and its public key ID. The
// ID is sortable (millisecond timestamp prefix) and carries enough randomness
// that collisions across the corpus are not a practical concern.
func (m *Manager) GenerateKey() ([]byte, string, error) {
	key := make([]byte, ContentKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("generate content key: %w", err)
	}
	id, err := NewKeyID()
	return key, id, err
}

// NewKeyID issues a globally unique, lexically sortable key identifier.
func NewKeyID() (string, error) {
	random := make([]byte, keyIDRandomBytes)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return fmt.Sprintf("%012x%s", time.Now().UnixMilli(), hex.EncodeToString(random)), nil
}

// GenerateIV returns a random 16-byte initialization vector encoded as hex,
// the form the segment encoder's key-info file expects.
func GenerateIV() (string, error) {
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	return hex.EncodeToString(iv), nil
}

// Wrap envelope-encrypts a raw content key for storage.
func (m *Manager) Wrap(raw []byte) (string, error) {
	if len(raw) != ContentKeyLength {
		return "", ErrKeyFormat
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate wrap nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, raw, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap reverses Wrap. It fails with ErrDecrypt when the ciphertext cannot
// be opened and ErrKeyFormat when the plaintext is not exactly 16 bytes; the
// length check exists to catch a swapped master secret before a player ever
// sees a bad key.
func (m *Manager) Unwrap(wrapped string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(wrapped))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonceSize := m.aead.NonceSize()
	if len(sealed) <= nonceSize {
		return nil, ErrDecrypt
	}
	raw, err := m.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) != ContentKeyLength {
		return nil, ErrKeyFormat
	}
	return raw, nil
}
