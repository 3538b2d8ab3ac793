package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "tracker-data-sync"
	keystoreUser    = "encryption-key"
)

// GenerateOrLoadKey loads the encryption key from the system keychain,
// generating and storing a new one on first use. Returns 32 bytes for AES-256.
func GenerateOrLoadKey(log zerolog.Logger) ([]byte, error) {
	keyString, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && keyString != "" {
		key, decodeErr := base64.StdEncoding.DecodeString(keyString)
		if decodeErr == nil && len(key) == 32 {
			return key, nil
		}
		return nil, fmt.Errorf("keychain entry %s/%s is not a valid key", keystoreService, keystoreUser)
	}

	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		log.Warn().Err(err).Str("fn", "GenerateOrLoadKey").Msg("keystore lookup failed")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		// Headless Linux often has no secret service
		log.Warn().Err(err).Str("fn", "GenerateOrLoadKey").Msg("failed to store key in keychain, sealed passwords will not survive a restart")

		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
	}

	return key, nil
}

// DeleteKey removes the encryption key from the keychain
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// IsKeyStored checks if an encryption key exists in the keychain
func IsKeyStored() bool {
	_, err := keyring.Get(keystoreService, keystoreUser)
	return err == nil
}
