// Package vault provides symmetric encryption for persisted tenant secrets.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// envelopePrefix versions the on-disk format so the scheme can evolve.
const envelopePrefix = "v1:"

// Vault encrypts and decrypts secrets with AES-256-GCM. Ciphertexts are
// wrapped in a versioned envelope: "v1:" + base64(iv|ciphertext|tag).
type Vault struct {
	key []byte
}

// New derives a 256-bit key from the configured encryption key material.
func New(encryptionKey string) (*Vault, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	sum := sha256.Sum256([]byte(encryptionKey))
	return &Vault{key: sum[:]}, nil
}

// EncryptSecret encrypts a plaintext secret into the versioned envelope.
func (v *Vault) EncryptSecret(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends ciphertext+tag after the IV so the envelope is iv|ciphertext|tag.
	sealed := gcm.Seal(iv, iv, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret decrypts a versioned envelope. Values without the envelope
// prefix are returned unchanged: legacy rows stored secrets in plaintext.
func (v *Vault) DecryptSecret(stored string) (string, error) {
	if !strings.HasPrefix(stored, envelopePrefix) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("envelope too short")
	}

	iv, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}
