package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Should split file output by level", func(t *testing.T) {
		dir := t.TempDir()
		var console bytes.Buffer

		log, closeFn, err := New(Options{Level: "debug", Format: "json", Dir: dir, Writer: &console})
		require.NoError(t, err)

		log.Info().Int("page", 1).Msg("Fetching page")
		log.Error().Int("page", 2).Msg("Page timed out")
		require.NoError(t, closeFn())

		info, err := os.ReadFile(filepath.Join(dir, "info.log"))
		require.NoError(t, err)
		errs, err := os.ReadFile(filepath.Join(dir, "error.log"))
		require.NoError(t, err)

		assert.Contains(t, string(info), "Fetching page")
		assert.Contains(t, string(info), "Page timed out")
		assert.NotContains(t, string(errs), "Fetching page")
		assert.Contains(t, string(errs), "Page timed out")
		assert.Contains(t, console.String(), "Fetching page")
	})

	t.Run("Should skip files when no directory is set", func(t *testing.T) {
		var console bytes.Buffer
		log, closeFn, err := New(Options{Format: "json", Writer: &console})
		require.NoError(t, err)

		log.Debug().Msg("hidden")
		log.Info().Msg("shown")
		require.NoError(t, closeFn())

		assert.NotContains(t, console.String(), "hidden")
		assert.Contains(t, console.String(), "shown")
	})

	t.Run("Should add component field", func(t *testing.T) {
		var console bytes.Buffer
		log, _, err := New(Options{Format: "json", Writer: &console})
		require.NoError(t, err)

		named := Named(log, "extract")
		named.Info().Msg("hello")
		assert.Contains(t, console.String(), `"component":"extract"`)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}
