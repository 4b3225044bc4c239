package common

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lgulliver/otagate/pkg/config"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabase_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ota.db")
	db, err := NewDatabase(&config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
	assert.True(t, db.Migrator().HasTable(&types.FlashState{}))
	assert.True(t, db.Migrator().HasTable(&types.UpdateAttempt{}))

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should be created")
}

func TestNewDatabase_UnsupportedDriver(t *testing.T) {
	_, err := NewDatabase(&config.DatabaseConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

// Cache tests need a live server: REDIS_HOST=localhost go test ./internal/common
func TestCache_Publish(t *testing.T) {
	cfg := config.LoadFromEnv().Redis
	if !cfg.Enabled() {
		t.Skip("REDIS_HOST not set")
	}
	cfg.TTL = time.Minute

	cache, err := NewCache(&cfg)
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	status := types.UpdateStatus{
		SessionID:    "abc",
		Mode:         types.ModePull,
		InProgress:   true,
		BytesWritten: 42,
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, cache.Publish(ctx, status))

	got, err := cache.LastStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.SessionID, got.SessionID)
	assert.Equal(t, status.BytesWritten, got.BytesWritten)
	assert.True(t, got.UpdatedAt.Equal(status.UpdatedAt))

	var missing types.UpdateStatus
	err = cache.Get(ctx, "ota:test:missing", &missing)
	assert.ErrorIs(t, err, ErrNotFound)
}
