package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-data-sync/internal/config"
	"tracker-data-sync/internal/crypto"
	"tracker-data-sync/internal/services/scheduler"
)

func writeConfig(t *testing.T, sourceURL, destURL, password string) string {
	t.Helper()
	cfg := map[string]interface{}{
		"source":      map[string]string{"baseURL": sourceURL, "username": "admin", "password": password},
		"destination": map[string]string{"baseURL": destURL, "username": "admin", "password": password},
		"dataConfig":  map[string]string{"program": "IpHINAT79UW", "organisationUnit": "ImspTQPwCqd"},
		"storage":     map[string]string{"dataDir": filepath.Join(t.TempDir(), "data")},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func systemInfoServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"2.40.1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewApp(t *testing.T) {
	t.Run("Should wire services from a JSON config", func(t *testing.T) {
		path := writeConfig(t, "http://source.example.org", "http://dest.example.org", "district")

		a, err := NewApp(zerolog.Nop(), nil, scheduler.SyncJobPayload{ConfigPath: path, PageSize: 10})
		require.NoError(t, err)

		assert.Equal(t, "district", a.cfg.Source.Password)
		assert.Equal(t, config.DefaultOUMode, a.cfg.DataConfig.OUMode)
		assert.Nil(t, a.history)
		assert.NotNil(t, a.pipeline)
	})

	t.Run("Should reveal sealed passwords", func(t *testing.T) {
		t.Setenv(crypto.KeyEnv, "test-key")
		box, err := crypto.NewBox(crypto.DeriveKey("test-key"))
		require.NoError(t, err)
		sealed, err := box.Seal("district")
		require.NoError(t, err)

		path := writeConfig(t, "http://source.example.org", "http://dest.example.org", sealed)

		a, err := NewApp(zerolog.Nop(), nil, scheduler.SyncJobPayload{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, "district", a.cfg.Source.Password)
		assert.Equal(t, "district", a.cfg.Destination.Password)
	})

	t.Run("Should report configuration problems", func(t *testing.T) {
		path := writeConfig(t, "not a url", "http://dest.example.org", "district")

		_, err := NewApp(zerolog.Nop(), nil, scheduler.SyncJobPayload{ConfigPath: path})

		var cfgErr *config.Error
		require.ErrorAs(t, err, &cfgErr)
		assert.NotEmpty(t, cfgErr.Problems)
	})
}

func TestCheckConnections(t *testing.T) {
	t.Run("Should succeed when both instances answer", func(t *testing.T) {
		src := systemInfoServer(t, http.StatusOK)
		dst := systemInfoServer(t, http.StatusOK)
		a, err := NewApp(zerolog.Nop(), nil, scheduler.SyncJobPayload{ConfigPath: writeConfig(t, src.URL, dst.URL, "district")})
		require.NoError(t, err)

		assert.NoError(t, a.CheckConnections(context.Background()))
	})

	t.Run("Should name the instance that fails", func(t *testing.T) {
		src := systemInfoServer(t, http.StatusOK)
		dst := systemInfoServer(t, http.StatusUnauthorized)
		a, err := NewApp(zerolog.Nop(), nil, scheduler.SyncJobPayload{ConfigPath: writeConfig(t, src.URL, dst.URL, "district")})
		require.NoError(t, err)

		err = a.CheckConnections(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "destination instance")
	})
}
