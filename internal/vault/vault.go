package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Marker prefixed to every encrypted value. Values without it are treated as
// legacy plaintext and passed through unchanged.
const marker = "enc:"

const (
	keyIterations = 100_000
	keyLength     = 32 // AES-256
)

// Fixed salt: the key must be re-derivable across restarts. Security rests on
// the strength of the master secret.
var keySalt = []byte("mailpool_credential_salt_v1")

// ErrDecrypt is returned when a marked value cannot be decrypted (wrong key
// or corrupted ciphertext). Changing the master secret makes all previously
// encrypted values permanently undecryptable; that is an operational
// invariant, not a recoverable condition.
var ErrDecrypt = errors.New("failed to decrypt value")

// Vault encrypts and decrypts sensitive account fields with AES-256-GCM. The
// key is derived once from the master secret; the vault holds no mutable
// state after construction.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from the master secret and returns a ready
// vault.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is required")
	}

	key := pbkdf2.Key([]byte(masterSecret), keySalt, keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns it with the "enc:" marker. Empty and
// already-encrypted values are returned unchanged.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || strings.HasPrefix(plaintext, marker) {
		return plaintext, nil
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return marker + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a marked value. Values without the marker are legacy
// plaintext and are returned unchanged.
func (v *Vault) Decrypt(value string) (string, error) {
	if value == "" || !strings.HasPrefix(value, marker) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, marker))
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding: %v", ErrDecrypt, err)
	}

	if len(data) < v.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, ciphertext := data[:v.aead.NonceSize()], data[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the encryption marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, marker)
}
