package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-data-sync/internal/models"
)

func TestOpen(t *testing.T) {
	t.Run("Should open a sqlite database and migrate the run tables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "history.db")

		db, err := Open("sqlite://"+path, zerolog.Nop())
		require.NoError(t, err)
		defer Close(db)

		assert.True(t, db.Migrator().HasTable(&models.SyncRun{}))
		assert.True(t, db.Migrator().HasTable(&models.ScheduledJob{}))
		assert.FileExists(t, path)
	})

	t.Run("Should reject unsupported URLs", func(t *testing.T) {
		_, err := Open("mysql://localhost/db", zerolog.Nop())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database URL format")
	})

	t.Run("Should fall back to the default URL", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		assert.Equal(t, DefaultURL, URLFromEnv())

		t.Setenv("DATABASE_URL", "postgres://localhost/sync")
		assert.Equal(t, "postgres://localhost/sync", URLFromEnv())
	})

	t.Run("Should close a nil database", func(t *testing.T) {
		assert.NoError(t, Close(nil))
	})
}
