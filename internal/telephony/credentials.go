// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package telephony implements the outbound gateway client, the inbound
// status-webhook codec, and the bidirectional voice-stream frame protocol
// (spec.md §6). Credential CRUD is an external collaborator (spec.md §1);
// this package only decrypts the ciphertext blob handed to it at dial time.
package telephony

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidCiphertext means the stored blob could not be decoded or
// authenticated; the caller must treat this as a permanent credential
// failure (spec.md §7 PermanentExternal), never retried.
var ErrInvalidCiphertext = errors.New("telephony: invalid credential ciphertext")

const saltSize = 16

// Credentials are the per-phone provider secrets (spec.md §6): API key,
// token, account SID, subdomain, and application id.
type Credentials struct {
	AccountSID    string `json:"accountSid"`
	APIKey        string `json:"apiKey"`
	APIToken      string `json:"apiToken"`
	Subdomain     string `json:"subdomain"`
	ApplicationID string `json:"applicationId"`
}

// CredentialCipher encrypts/decrypts Credentials at rest with AES-256-GCM,
// deriving the key from a process secret via PBKDF2-SHA256 (spec.md §6).
type CredentialCipher struct {
	secret     string
	iterations int
}

// NewCredentialCipher constructs a cipher bound to the process-wide secret
// and KDF iteration count (internal/config TelephonyConfig).
func NewCredentialCipher(secret string, iterations int) *CredentialCipher {
	if iterations <= 0 {
		iterations = 100_000
	}
	return &CredentialCipher{secret: secret, iterations: iterations}
}

// Encrypt serializes creds to JSON and seals it as base64(salt || nonce ||
// ciphertext). The salt is regenerated every call so the same credentials
// encrypt to a different blob each time.
func (c *CredentialCipher) Encrypt(creds Credentials) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("telephony: marshal credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("telephony: generate salt: %w", err)
	}
	gcm, err := c.gcmForSalt(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("telephony: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	blob := append(append(salt, nonce...), sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt, returning ErrInvalidCiphertext on any
// malformed input or authentication failure.
func (c *CredentialCipher) Decrypt(encoded string) (Credentials, error) {
	var out Credentials
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < saltSize {
		return out, fmt.Errorf("%w: truncated blob", ErrInvalidCiphertext)
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	gcm, err := c.gcmForSalt(salt)
	if err != nil {
		return out, err
	}
	if len(rest) < gcm.NonceSize() {
		return out, fmt.Errorf("%w: truncated nonce", ErrInvalidCiphertext)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return out, nil
}

func (c *CredentialCipher) gcmForSalt(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(c.secret), salt, c.iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("telephony: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("telephony: new gcm: %w", err)
	}
	return gcm, nil
}
