package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lgulliver/otagate/pkg/utils"
	"github.com/rs/zerolog/log"
)

// LocalStorage implements SlotStorage on the local filesystem
type LocalStorage struct {
	basePath string
	mutex    sync.RWMutex
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("slot storage initialized")
	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Create opens a temporary file next to path; Commit renames it into place
func (ls *LocalStorage) Create(ctx context.Context, path string) (StagedWriter, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath := filepath.Join(ls.basePath, path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("path", path).Str("dir", dir).Msg("failed to create directory")
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := fullPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("path", path).Str("temp_path", tempPath).Msg("failed to create temporary file")
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	return &stagedFile{
		storage:   ls,
		path:      path,
		fullPath:  fullPath,
		tempPath:  tempPath,
		file:      tempFile,
		digest:    utils.NewDigester(),
		startTime: time.Now(),
	}, nil
}

// Retrieve gets content from the local filesystem
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file not found")
			return nil, fmt.Errorf("file not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open file")
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete removes content from the local filesystem
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.Remove(filepath.Join(ls.basePath, path)); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file already deleted or does not exist")
			return nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete file")
		return fmt.Errorf("failed to delete file: %w", err)
	}

	log.Info().Str("path", path).Msg("file deleted successfully")
	return nil
}

// Exists checks if content exists in the local filesystem
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	_, err := os.Stat(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to check file existence")
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// GetSize returns the size of content in the local filesystem
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	info, err := os.Stat(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("file not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to get file info")
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}

	return info.Size(), nil
}

// stagedFile writes through a temp file and a running SHA256
type stagedFile struct {
	storage   *LocalStorage
	path      string
	fullPath  string
	tempPath  string
	file      *os.File
	digest    *utils.Digester
	size      int64
	startTime time.Time
	done      bool
}

func (sf *stagedFile) Write(p []byte) (int, error) {
	if sf.done {
		return 0, fmt.Errorf("staged write to %s already closed", sf.path)
	}
	n, err := sf.file.Write(p)
	sf.digest.Write(p[:n])
	sf.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write content: %w", err)
	}
	return n, nil
}

func (sf *stagedFile) Size() int64 {
	return sf.size
}

func (sf *stagedFile) Digest() string {
	return sf.digest.Hex()
}

func (sf *stagedFile) Commit() error {
	if sf.done {
		return fmt.Errorf("staged write to %s already closed", sf.path)
	}
	sf.done = true

	sf.storage.mutex.Lock()
	defer sf.storage.mutex.Unlock()

	if err := sf.file.Sync(); err != nil {
		sf.file.Close()
		os.Remove(sf.tempPath)
		log.Error().Err(err).Str("path", sf.path).Msg("failed to sync temporary file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	sf.file.Close()

	if err := os.Rename(sf.tempPath, sf.fullPath); err != nil {
		os.Remove(sf.tempPath)
		log.Error().Err(err).Str("path", sf.path).Str("temp_path", sf.tempPath).Msg("failed to move temporary file to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	log.Info().
		Str("path", sf.path).
		Int64("bytes_written", sf.size).
		Str("checksum", sf.Digest()).
		Dur("duration", time.Since(sf.startTime)).
		Msg("file stored successfully")

	return nil
}

func (sf *stagedFile) Abort() error {
	if sf.done {
		return nil
	}
	sf.done = true
	sf.file.Close()
	if err := os.Remove(sf.tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temporary file: %w", err)
	}
	log.Debug().Str("path", sf.path).Int64("bytes_discarded", sf.size).Msg("staged write aborted")
	return nil
}
