package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalStorage(t *testing.T) {
	tests := []struct {
		name        string
		basePath    string
		shouldError bool
	}{
		{
			name:        "valid path",
			basePath:    t.TempDir(),
			shouldError: false,
		},
		{
			name:        "non-existent path",
			basePath:    filepath.Join(t.TempDir(), "nested", "path"),
			shouldError: false,
		},
		{
			name:        "invalid path (file instead of directory)",
			basePath:    createTempFile(t),
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := NewLocalStorage(tt.basePath)

			if tt.shouldError {
				assert.Error(t, err)
				assert.Nil(t, storage)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, storage)

				info, err := os.Stat(tt.basePath)
				assert.NoError(t, err)
				assert.True(t, info.IsDir())
			}
		})
	}
}

func TestLocalStorage_CreateCommit(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	w, err := storage.Create(ctx, "slots/slot1.bin")
	require.NoError(t, err)

	chunks := [][]byte{[]byte("abc"), []byte("def"), {0x00, 0xFF}}
	var all []byte
	for _, c := range chunks {
		n, err := w.Write(c)
		require.NoError(t, err)
		assert.Equal(t, len(c), n)
		all = append(all, c...)
	}

	sum := sha256.Sum256(all)
	assert.Equal(t, hex.EncodeToString(sum[:]), w.Digest())
	assert.Equal(t, int64(len(all)), w.Size())

	// Not visible before commit
	exists, err := storage.Exists(ctx, "slots/slot1.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, w.Commit())

	reader, err := storage.Retrieve(ctx, "slots/slot1.bin")
	require.NoError(t, err)
	defer reader.Close()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, all, got)

	size, err := storage.GetSize(ctx, "slots/slot1.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(all)), size)

	// Abort after commit is a no-op and leaves the file in place
	assert.NoError(t, w.Abort())
	exists, err = storage.Exists(ctx, "slots/slot1.bin")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = w.Write([]byte("late"))
	assert.Error(t, err)
}

func TestLocalStorage_CreateAbort(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	w, err := storage.Create(ctx, "slot0.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial image"))
	require.NoError(t, err)

	require.NoError(t, w.Abort())

	exists, err := storage.Exists(ctx, "slot0.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := os.ReadDir(storage.basePath)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file should be removed")

	assert.Error(t, w.Commit())
}

func TestLocalStorage_CommitReplacesExisting(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for _, content := range []string{"first image", "second image"} {
		w, err := storage.Create(ctx, "slot1.bin")
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, w.Commit())
	}

	reader, err := storage.Retrieve(ctx, "slot1.bin")
	require.NoError(t, err)
	defer reader.Close()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "second image", string(got))
}

func TestLocalStorage_Delete(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	w, err := storage.Create(ctx, "slot0.bin")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Commit())

	assert.NoError(t, storage.Delete(ctx, "slot0.bin"))
	exists, err := storage.Exists(ctx, "slot0.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing file is not an error
	assert.NoError(t, storage.Delete(ctx, "slot0.bin"))
}

func TestLocalStorage_MissingFile(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.Retrieve(ctx, "missing.bin")
	assert.Error(t, err)

	_, err = storage.GetSize(ctx, "missing.bin")
	assert.Error(t, err)
}

func TestLocalStorage_ContextCancellation(t *testing.T) {
	storage := setupTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := storage.Create(ctx, "slot0.bin")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = storage.Exists(ctx, "slot0.bin")
	assert.ErrorIs(t, err, context.Canceled)

	err = storage.Delete(ctx, "slot0.bin")
	assert.ErrorIs(t, err, context.Canceled)
}

func setupTestStorage(t *testing.T) *LocalStorage {
	tempDir := t.TempDir()
	storage, err := NewLocalStorage(tempDir)
	require.NoError(t, err)
	return storage
}

func createTempFile(t *testing.T) string {
	tempFile, err := os.CreateTemp(t.TempDir(), "test")
	require.NoError(t, err)
	tempFile.Close()
	return tempFile.Name()
}
