package storage

import (
	"context"
	"io"
)

// SlotStorage defines the interface for firmware slot images
type SlotStorage interface {
	// Create opens a staged writer for path. Nothing is visible at path until Commit.
	Create(ctx context.Context, path string) (StagedWriter, error)

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)
}

// StagedWriter receives an image incrementally and publishes it atomically
type StagedWriter interface {
	io.Writer

	// Size returns the number of bytes written so far
	Size() int64

	// Digest returns the hex SHA256 of the bytes written so far
	Digest() string

	// Commit syncs the staged data and moves it to its final path
	Commit() error

	// Abort discards the staged data. Safe to call after Commit.
	Abort() error
}
