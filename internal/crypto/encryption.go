// Package crypto seals the DHIS2 passwords kept in configuration files.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// SealedPrefix marks a configuration value as an encrypted password
const SealedPrefix = "enc:"

// KeyEnv names the environment variable holding the encryption key
const KeyEnv = "ENCRYPTION_KEY"

// Box encrypts and decrypts with AES-256-GCM under one key
type Box struct {
	key []byte
}

// NewBox creates a Box. key must be 32 bytes.
func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Box{key: append([]byte{}, key...)}, nil
}

// LoadKey resolves the encryption key.
// Priority:
// 1. ENCRYPTION_KEY environment variable
// 2. System keychain
// 3. Generate new key and store in keychain
func LoadKey(log zerolog.Logger) ([]byte, error) {
	if keyString := os.Getenv(KeyEnv); keyString != "" {
		return DeriveKey(keyString), nil
	}

	key, err := GenerateOrLoadKey(log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	return key, nil
}

// DeriveKey turns a configured key into 32 bytes. A base64 32-byte key is used
// as is; anything else is hashed with SHA-256.
func DeriveKey(keyString string) []byte {
	keyBytes, err := base64.StdEncoding.DecodeString(keyString)
	if err != nil {
		hash := sha256.Sum256([]byte(keyString))
		return hash[:]
	}
	if len(keyBytes) != 32 {
		hash := sha256.Sum256(keyBytes)
		return hash[:]
	}
	return keyBytes
}

// Encrypt encrypts plaintext using AES-256-GCM
// Returns base64-encoded ciphertext
func (b *Box) Encrypt(plaintext string) (string, error) {
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce is prepended to the ciphertext
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext using AES-256-GCM
func (b *Box) Decrypt(ciphertextB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// Seal encrypts a password into its "enc:" configuration form
func (b *Box) Seal(password string) (string, error) {
	sealed, err := b.Encrypt(password)
	if err != nil {
		return "", err
	}
	return SealedPrefix + sealed, nil
}

// Reveal returns the plaintext of a configuration password. Values without
// the "enc:" prefix are returned unchanged.
func (b *Box) Reveal(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return b.Decrypt(strings.TrimPrefix(value, SealedPrefix))
}

// IsSealed reports whether value is an encrypted password
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func (b *Box) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
