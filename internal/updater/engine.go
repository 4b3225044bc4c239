package updater

import "context"

// Outcome is the terminal state reported by a Writer.
// Code > 0 is success, anything else is failure.
type Outcome struct {
	Code           int
	Message        string
	RebootRequired bool
}

// FinalizeOptions carries settings that may arrive after the image bytes.
type FinalizeOptions struct {
	CommitTimeout     int
	IgnoreSameVersion bool
}

// Engine persists, validates and commits firmware images.
type Engine interface {
	// NewWriter allocates the write state for one update session.
	NewWriter(ctx context.Context) (Writer, error)

	// Commit confirms the image currently on trial. Returns false if there is none.
	Commit(ctx context.Context) bool

	// Revert rolls back to the previous image. The caller schedules the reboot.
	Revert(ctx context.Context) bool
}

// Writer is the engine's per-session write state.
//
// Write never returns an error: failures move the writer into a finished
// state observable through Finished and Outcome.
type Writer interface {
	Write(p []byte)

	// EndOfStream marks the end of the image data.
	EndOfStream()

	// WriteComplete reports that the stream ended without a write error.
	WriteComplete() bool

	// Finalize validates the image and marks it pending for the next boot.
	Finalize(opts FinalizeOptions)

	// Finished reports whether the writer reached a terminal state.
	Finished() bool

	Outcome() Outcome

	// Close releases the write state. It discards anything not finalized.
	Close() error
}
