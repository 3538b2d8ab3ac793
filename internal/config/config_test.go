package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
	"source": {"baseURL": "https://play.dhis2.org/40", "username": "admin", "password": "district"},
	"destination": {"baseURL": "https://dest.example.org", "username": "sync", "password": "secret"},
	"flowConfig": {"downloadTimeout": 30000, "uploadTimeout": 20000},
	"dataConfig": {"program": "IpHINAT79UW", "organisationUnit": "ImspTQPwCqd"},
	"notificationConfig": {"enabled": true, "emailSubject": "TEI sync", "recipients": ["ops@example.org"]}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SOURCE_DHIS2_BASE_URL", "https://source.example.org")
	t.Setenv("SOURCE_DHIS2_USERNAME", "admin")
	t.Setenv("SOURCE_DHIS2_PASSWORD", "district")
	t.Setenv("DESTINATION_DHIS2_BASE_URL", "https://dest.example.org")
	t.Setenv("DESTINATION_DHIS2_USERNAME", "sync")
	t.Setenv("DESTINATION_DHIS2_PASSWORD", "secret")
	t.Setenv("PROGRAM_ID", "IpHINAT79UW")
	t.Setenv("ORGANISATION_UNIT_ID", "ImspTQPwCqd")
}

func TestLoadJSON(t *testing.T) {
	t.Run("Should load a complete JSON file and apply defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, validJSON))

		require.NoError(t, err)
		assert.Equal(t, "https://play.dhis2.org/40", cfg.Source.BaseURL)
		assert.Equal(t, "sync", cfg.Destination.Username)
		assert.Equal(t, 30*time.Second, cfg.DownloadTimeout())
		assert.Equal(t, 20*time.Second, cfg.UploadTimeout())
		assert.Equal(t, "DESCENDANTS", cfg.DataConfig.OUMode)
		assert.Equal(t, "data", cfg.Storage.DataDir)
		assert.Equal(t, []string{"ops@example.org"}, cfg.NotificationConfig.Recipients)
	})

	t.Run("Should report every missing field", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{"source": {"baseURL": "not a url"}}`))

		var cfgErr *Error
		require.ErrorAs(t, err, &cfgErr)
		fields := make([]string, len(cfgErr.Problems))
		for i, p := range cfgErr.Problems {
			fields[i] = p.Field
		}
		assert.Contains(t, fields, "source.baseURL")
		assert.Contains(t, fields, "source.username")
		assert.Contains(t, fields, "destination.baseURL")
		assert.Contains(t, fields, "dataConfig.program")
		assert.Contains(t, fields, "dataConfig.organisationUnit")
		assert.Contains(t, err.Error(), "must be a valid URL")
	})

	t.Run("Should fail on malformed JSON", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{"source":`))

		var cfgErr *Error
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), "failed to parse")
	})

	t.Run("Should fail on a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.json"))

		var cfgErr *Error
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("Should require subject and recipients when notifications are enabled", func(t *testing.T) {
		content := strings.Replace(validJSON, `"emailSubject": "TEI sync", "recipients": ["ops@example.org"]`, `"recipients": []`, 1)

		_, err := Load(writeConfig(t, content))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "notificationConfig.emailSubject: is required")
		assert.Contains(t, err.Error(), "notificationConfig.recipients")
	})

	t.Run("Should reject invalid recipient addresses and ou modes", func(t *testing.T) {
		content := strings.Replace(validJSON, `"ops@example.org"`, `"not-an-email"`, 1)
		content = strings.Replace(content, `"organisationUnit": "ImspTQPwCqd"`, `"organisationUnit": "ImspTQPwCqd", "ouMode": "EVERYTHING"`, 1)

		_, err := Load(writeConfig(t, content))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a valid email address")
		assert.Contains(t, err.Error(), "dataConfig.ouMode: must be one of")
	})
}

func TestLoadEnv(t *testing.T) {
	t.Run("Should read connection and data settings from the environment", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("DOWNLOAD_TIMEOUT", "5000")
		t.Setenv("UPLOAD_TIMEOUT", "not-a-number")
		t.Setenv("REQUESTS_PER_SECOND", "2.5")
		t.Setenv("ENABLE_NOTIFICATIONS", "true")
		t.Setenv("EMAIL_SUBJECT", "Nightly TEI sync")
		t.Setenv("EMAIL_RECIPIENTS", `["a@example.org","b@example.org"]`)

		cfg, err := Load("")

		require.NoError(t, err)
		assert.Equal(t, "https://source.example.org", cfg.Source.BaseURL)
		assert.Equal(t, 5*time.Second, cfg.DownloadTimeout())
		assert.Equal(t, 10*time.Second, cfg.UploadTimeout())
		assert.Equal(t, 2.5, cfg.FlowConfig.RequestsPerSecond)
		assert.True(t, cfg.NotificationConfig.Enabled)
		assert.Equal(t, []string{"a@example.org", "b@example.org"}, cfg.NotificationConfig.Recipients)
	})

	t.Run("Should leave notifications off by default", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("ENABLE_NOTIFICATIONS", "")
		t.Setenv("EMAIL_RECIPIENTS", "")

		cfg, err := Load("")

		require.NoError(t, err)
		assert.False(t, cfg.NotificationConfig.Enabled)
		assert.Empty(t, cfg.NotificationConfig.Recipients)
	})

	t.Run("Should reject recipients that are not a JSON array", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("EMAIL_RECIPIENTS", "a@example.org")

		_, err := Load("")

		var cfgErr *Error
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "EMAIL_RECIPIENTS", cfgErr.Problems[0].Field)
	})

	t.Run("Should fail when credentials are missing", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("DESTINATION_DHIS2_PASSWORD", "")

		_, err := Load("")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "destination.password: is required")
	})
}

type fakeRevealer struct{}

func (fakeRevealer) Reveal(value string) (string, error) {
	if value == "enc:broken" {
		return "", errors.New("bad ciphertext")
	}
	return strings.TrimPrefix(value, "enc:"), nil
}

func TestRevealPasswords(t *testing.T) {
	t.Run("Should decrypt sealed passwords in place", func(t *testing.T) {
		cfg := &Config{
			Source:      Connection{Password: "enc:district"},
			Destination: Connection{Password: "plain"},
		}
		require.True(t, cfg.HasSealedPasswords())

		require.NoError(t, cfg.RevealPasswords(fakeRevealer{}))

		assert.Equal(t, "district", cfg.Source.Password)
		assert.Equal(t, "plain", cfg.Destination.Password)
		assert.False(t, cfg.HasSealedPasswords())
	})

	t.Run("Should report passwords that cannot be decrypted", func(t *testing.T) {
		cfg := &Config{Source: Connection{Password: "enc:broken"}}

		err := cfg.RevealPasswords(fakeRevealer{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "source.password")
	})
}
