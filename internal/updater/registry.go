package updater

import (
	"context"
	"fmt"
	"sync"

	"github.com/lgulliver/otagate/pkg/types"
	"github.com/rs/zerolog/log"
)

// Registry admits at most one update session at a time
type Registry struct {
	engine          Engine
	fieldBufferSize int

	mu      sync.Mutex
	current *Session
}

// NewRegistry creates an empty registry backed by engine
func NewRegistry(engine Engine, fieldBufferSize int) *Registry {
	return &Registry{
		engine:          engine,
		fieldBufferSize: fieldBufferSize,
	}
}

// TryCreate registers a new session. It fails with ErrAlreadyInProgress while
// another session is registered and with ErrSessionCreate when the engine
// cannot allocate write state; in both cases nothing changes.
func (r *Registry) TryCreate(ctx context.Context, mode types.UpdateMode) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		log.Warn().
			Str("mode", string(mode)).
			Str("active_session", r.current.ID.String()).
			Msg("Rejected update, another session is active")
		return nil, ErrAlreadyInProgress
	}

	writer, err := r.engine.NewWriter(ctx)
	if err != nil {
		log.Error().Err(err).Str("mode", string(mode)).Msg("Failed to allocate write state")
		return nil, fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}
	if writer == nil {
		return nil, ErrSessionCreate
	}

	s := newSession(mode, writer, r.fieldBufferSize)
	r.current = s

	log.Info().
		Str("session_id", s.ID.String()).
		Str("mode", string(mode)).
		Msg("Started update session")

	return s, nil
}

// Current returns the registered session or nil
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// IsCurrent reports whether s is the registered session
func (r *Registry) IsCurrent(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s != nil && r.current == s
}

// Release unregisters s and destroys its write state. Releasing a session
// that is not current is a no-op.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	if s == nil || r.current != s {
		r.mu.Unlock()
		return
	}
	r.current = nil
	r.mu.Unlock()

	s.close()

	log.Info().
		Str("session_id", s.ID.String()).
		Str("mode", string(s.Mode)).
		Msg("Released update session")
}
