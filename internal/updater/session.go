package updater

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/rs/zerolog/log"
)

// ResultState is the tri-state result of a session
type ResultState int

const (
	ResultPending ResultState = iota
	ResultSuccess
	ResultFailure
)

func (r ResultState) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	default:
		return "pending"
	}
}

// Session is one update attempt from admission to resolution
type Session struct {
	ID        uuid.UUID
	Mode      types.UpdateMode
	StartedAt time.Time

	mu                sync.Mutex
	writer            Writer
	fields            *FieldBuffer
	url               string
	resolved          bool
	code              int
	message           string
	reboot            bool
	ignoreSameVersion bool
	commitTimeout     int
	bytesWritten      int64
	resultCallback    func(*Session)
	callbackFired     bool
	conn              *Conn
	closed            bool
}

func newSession(mode types.UpdateMode, writer Writer, fieldBufferSize int) *Session {
	return &Session{
		ID:                uuid.New(),
		Mode:              mode,
		StartedAt:         time.Now(),
		writer:            writer,
		fields:            NewFieldBuffer(fieldBufferSize),
		ignoreSameVersion: true,
	}
}

// Result returns the result state, the engine code and the status message.
// An unset message reads as "Unknown error".
func (s *Session) Result() (ResultState, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	return s.resultLocked()
}

func (s *Session) resultLocked() (ResultState, int, string) {
	msg := s.message
	if msg == "" {
		msg = MsgUnknownError
	}
	switch {
	case !s.resolved:
		return ResultPending, s.code, msg
	case s.code > 0:
		return ResultSuccess, s.code, msg
	default:
		return ResultFailure, s.code, msg
	}
}

// Resolved reports whether the session reached a terminal result.
func (s *Session) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	return s.resolved
}

// RebootRequired reports whether the resolved outcome asks for a reboot.
func (s *Session) RebootRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved && s.reboot
}

// CommitTimeout returns the commit timeout that finalize will use.
func (s *Session) CommitTimeout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitTimeout
}

// SetCommitTimeout changes the commit timeout. Ignored once resolved.
func (s *Session) SetCommitTimeout(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return
	}
	s.commitTimeout = seconds
}

// IgnoreSameVersion returns the same-version policy flag.
func (s *Session) IgnoreSameVersion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ignoreSameVersion
}

// SetIgnoreSameVersion changes the same-version policy flag.
func (s *Session) SetIgnoreSameVersion(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreSameVersion = v
}

// URL returns the pull-mode source, empty for uploads.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) setURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// BytesWritten returns the number of image bytes handed to the writer.
func (s *Session) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// OnResult registers the one-shot result callback.
func (s *Session) OnResult(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultCallback = fn
}

// Status returns a snapshot for status consumers.
func (s *Session) Status() types.UpdateStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	state, code, msg := s.resultLocked()
	st := types.UpdateStatus{
		SessionID:    s.ID.String(),
		Mode:         s.Mode,
		InProgress:   state == ResultPending,
		BytesWritten: s.bytesWritten,
		Result:       code,
		UpdatedAt:    time.Now().UTC(),
	}
	if state != ResultPending {
		st.Message = msg
	}
	return st
}

// ingest forwards p to the writer unless it already finished. It returns
// false when the bytes were drained instead of written.
func (s *Session) ingest(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.resolved || s.writer.Finished() {
		s.syncLocked()
		return false
	}
	s.writer.Write(p)
	s.bytesWritten += int64(len(p))
	s.syncLocked()
	return true
}

func (s *Session) endOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.resolved || s.writer.Finished() {
		return
	}
	s.writer.EndOfStream()
	s.syncLocked()
}

func (s *Session) writeComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.writer.WriteComplete()
}

// finalize hands the accumulated settings to the engine.
func (s *Session) finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.resolved {
		return
	}
	s.writer.Finalize(FinalizeOptions{
		CommitTimeout:     s.commitTimeout,
		IgnoreSameVersion: s.ignoreSameVersion,
	})
	s.syncLocked()
}

// fail resolves a pending session as a failure.
func (s *Session) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	if s.resolved {
		return
	}
	s.resolved = true
	s.code = -1
	s.message = msg
	s.reboot = false
}

// syncLocked copies a terminal writer outcome into the session.
func (s *Session) syncLocked() {
	if s.resolved || s.closed || !s.writer.Finished() {
		return
	}
	o := s.writer.Outcome()
	s.resolved = true
	s.code = o.Code
	s.message = o.Message
	s.reboot = o.RebootRequired
}

// fireResult runs the result callback at most once.
func (s *Session) fireResult() {
	s.mu.Lock()
	if s.callbackFired || s.resultCallback == nil {
		s.mu.Unlock()
		return
	}
	s.callbackFired = true
	fn := s.resultCallback
	s.mu.Unlock()

	fn(s)
}

// bindConn attaches the originating connection and clears it when the
// connection closes.
func (s *Session) bindConn(c *Conn) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()

	c.OnClose(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn == c {
			s.conn = nil
			log.Debug().Str("session_id", s.ID.String()).Msg("Originating connection closed")
		}
	})
}

// takeConn returns the live connection, if any, and clears the reference.
func (s *Session) takeConn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conn
	s.conn = nil
	return c
}

// hasConn reports whether a connection is still bound.
func (s *Session) hasConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// close destroys the writer state once.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.syncLocked()
	s.closed = true
	if err := s.writer.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("Failed to release write state")
	}
}
