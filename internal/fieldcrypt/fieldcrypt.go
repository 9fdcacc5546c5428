package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Cipher provides at-rest obfuscation of individual record fields. Values are
// encrypted with AES-GCM under a key derived from a passphrase and salt.
//
// Decrypt is deliberately tolerant: anything that does not decode and
// authenticate as one of our ciphertexts is returned unchanged. A key rotation
// mishap must never lock the terminal out of its own journal.
type Cipher struct {
	aead cipher.AEAD
}

// Config holds the key material for a field cipher.
type Config struct {
	Passphrase string
	Salt       []byte
}

var (
	ErrNoPassphrase = errors.New("fieldcrypt: passphrase required")

	// ErrNoSalt guards against a silently random key: without a stable salt
	// the derived key changes every start and prior journals become
	// unreadable.
	ErrNoSalt = errors.New("fieldcrypt: salt required")
)

// New derives an AES-256 key from the passphrase via Argon2id and prepares
// the GCM cipher.
func New(cfg Config) (*Cipher, error) {
	if cfg.Passphrase == "" {
		return nil, ErrNoPassphrase
	}
	if len(cfg.Salt) == 0 {
		return nil, ErrNoSalt
	}

	key := argon2.IDKey([]byte(cfg.Passphrase), cfg.Salt, 3, 32*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext) for the given plaintext field.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Input that is not valid base64, is too short, or
// fails authentication is returned as-is with ok=false; no error escapes.
func (c *Cipher) Decrypt(value string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value, false
	}

	if len(raw) < c.aead.NonceSize() {
		return value, false
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return value, false
	}

	return string(plaintext), true
}

// Passthrough is a nil-safe helper set: a nil *Cipher encrypts and decrypts to
// the identity, so callers can run with field encryption disabled.

// EncryptField encrypts with c, or returns the value unchanged when c is nil.
func EncryptField(c *Cipher, value string) (string, error) {
	if c == nil {
		return value, nil
	}
	return c.Encrypt(value)
}

// DecryptField decrypts with c, or returns the value unchanged when c is nil.
func DecryptField(c *Cipher, value string) string {
	if c == nil {
		return value
	}
	out, _ := c.Decrypt(value)
	return out
}
