// Package vault encrypts secrets at rest with AES-256-GCM under a key
// derived from a deployment identifier.
//
// The derivation uses a fixed all-zero salt, so the key is fully determined
// by the identifier. Anyone who knows the identifier can decrypt stored
// blobs. This is kept so existing ciphertexts stay readable; moving to a
// persisted random salt requires re-encrypting every stored secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultDeploymentID = "cloud-code-worker-v1"

	iterations = 100_000
	keyLen     = 32
	saltLen    = 16
	nonceLen   = 12
)

var (
	// ErrIntegrity is returned when the GCM tag does not verify: the blob
	// was tampered with, truncated, or sealed under another key.
	ErrIntegrity = errors.New("vault: ciphertext failed integrity check")

	// ErrMalformed is returned when a blob is not valid base64 or is too
	// short to hold a nonce and tag.
	ErrMalformed = errors.New("vault: malformed ciphertext")
)

// keyCache holds one derived AEAD per deployment identifier for the life
// of the process.
var keyCache sync.Map

// Vault seals and opens secrets. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New returns a Vault for deploymentID, deriving the key on first use.
func New(deploymentID string) (*Vault, error) {
	if deploymentID == "" {
		return nil, errors.New("vault: deployment id is required")
	}

	if cached, ok := keyCache.Load(deploymentID); ok {
		return &Vault{aead: cached.(cipher.AEAD)}, nil
	}

	aead, err := newAEAD(DeriveKey(deploymentID))
	if err != nil {
		return nil, err
	}
	actual, _ := keyCache.LoadOrStore(deploymentID, aead)

	slog.Debug("vault key derived", "iterations", iterations)
	return &Vault{aead: actual.(cipher.AEAD)}, nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over deploymentID with a zero salt.
func DeriveKey(deploymentID string) []byte {
	salt := make([]byte, saltLen)
	return pbkdf2.Key([]byte(deploymentID), salt, iterations, keyLen, sha256.New)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating gcm: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce ‖ ciphertext ‖ tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	slog.Debug("encryption completed", "plaintext_len", len(plaintext), "sealed_len", len(sealed))

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. It never returns partial
// plaintext: any failure yields ErrMalformed or ErrIntegrity.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < nonceLen+v.aead.Overhead() {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}

	plaintext, err := v.aead.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return "", ErrIntegrity
	}

	slog.Debug("decryption completed", "plaintext_len", len(plaintext))
	return string(plaintext), nil
}
