package updater

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lgulliver/otagate/internal/metrics"
	"github.com/lgulliver/otagate/pkg/config"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/rs/zerolog/log"
)

// Fetcher streams a remote image into sink. It stops early, without error,
// when sink returns false. sink does not retain p.
type Fetcher interface {
	Fetch(ctx context.Context, url string, sink func(p []byte) bool) error
}

// Recorder persists resolved update attempts
type Recorder interface {
	Record(ctx context.Context, attempt *types.UpdateAttempt) error
}

// StatusPublisher fans out status snapshots
type StatusPublisher interface {
	Publish(ctx context.Context, status types.UpdateStatus) error
}

// Service orchestrates update sessions
type Service struct {
	Registry   *Registry
	Reboots    *RebootScheduler
	Dispatcher *Dispatcher

	// Optional collaborators. Nil disables them.
	Recorder  Recorder
	Publisher StatusPublisher
	Metrics   *metrics.UpdateMetrics

	cfg     *config.UpdateConfig
	fetcher Fetcher
	pulls   sync.WaitGroup

	lastMu sync.Mutex
	last   *types.UpdateStatus
}

// NewService creates the update service
func NewService(cfg *config.UpdateConfig, engine Engine, fetcher Fetcher, reboots *RebootScheduler, m *metrics.UpdateMetrics) *Service {
	return &Service{
		Registry:   NewRegistry(engine, cfg.FieldBufferSize),
		Reboots:    reboots,
		Dispatcher: NewDispatcher(engine, reboots, m, cfg.ActionTimeout, cfg.RevertDelay),
		Metrics:    m,
		cfg:        cfg,
		fetcher:    fetcher,
	}
}

// PostEnabled reports whether /update accepts requests at all
func (s *Service) PostEnabled() bool {
	return s.cfg.EnablePost
}

// PullParams parses pull parameters with the configured defaults
func (s *Service) PullParams(method string, body []byte, rawQuery string) PullParams {
	return ParsePullParams(method, body, rawQuery, s.cfg.URL, s.cfg.CommitTimeout)
}

// Status returns the current session snapshot, or the last resolved one
func (s *Service) Status() types.UpdateStatus {
	if cur := s.Registry.Current(); cur != nil {
		return cur.Status()
	}

	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last != nil {
		return *s.last
	}
	return types.UpdateStatus{UpdatedAt: time.Now().UTC()}
}

// Wait blocks until background pull sessions have finished
func (s *Service) Wait() {
	s.pulls.Wait()
}

// admit registers a session and announces it
func (s *Service) admit(ctx context.Context, mode types.UpdateMode) (*Session, error) {
	sess, err := s.Registry.TryCreate(ctx, mode)
	if err != nil {
		if errors.Is(err, ErrAlreadyInProgress) {
			s.Metrics.RecordConflict(string(mode))
		}
		return nil, err
	}

	s.Metrics.SetInProgress(true)
	s.publish(sess.Status())
	return sess, nil
}

// complete runs the post-resolution steps of a session: reboot scheduling,
// release, then history and status fan-out. The reboot is armed before the
// release so it survives a failure to reply.
func (s *Service) complete(sess *Session, cause error) {
	state, code, msg := sess.Result()
	reboot := sess.RebootRequired()

	if reboot && s.Reboots.RebootAfter(s.cfg.RebootDelay, "update") {
		s.Metrics.RecordReboot("update")
	}

	status := sess.Status()
	s.Registry.Release(sess)

	s.Metrics.SetInProgress(false)
	s.Metrics.RecordAttempt(string(sess.Mode), state == ResultSuccess)

	event := log.Info()
	if state != ResultSuccess {
		event = log.Warn()
	}
	if cause != nil {
		event = event.AnErr("cause", cause)
	}
	event.
		Str("session_id", sess.ID.String()).
		Str("mode", string(sess.Mode)).
		Int("result", code).
		Str("message", msg).
		Int64("bytes_written", sess.BytesWritten()).
		Bool("reboot", reboot).
		Msg("Update finished")

	s.lastMu.Lock()
	s.last = &status
	s.lastMu.Unlock()

	s.record(sess, code, msg, reboot)
	s.publish(status)
}

func (s *Service) record(sess *Session, code int, msg string, reboot bool) {
	if s.Recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attempt := &types.UpdateAttempt{
		ID:            sess.ID,
		Mode:          sess.Mode,
		URL:           sess.URL(),
		BytesWritten:  sess.BytesWritten(),
		Result:        code,
		Message:       msg,
		CommitTimeout: sess.CommitTimeout(),
		Reboot:        reboot,
		StartedAt:     sess.StartedAt,
		FinishedAt:    time.Now(),
	}
	if err := s.Recorder.Record(ctx, attempt); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to record update attempt")
	}
}

func (s *Service) publish(status types.UpdateStatus) {
	if s.Publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Publisher.Publish(ctx, status); err != nil {
		log.Warn().Err(err).Str("session_id", status.SessionID).Msg("Failed to publish update status")
	}
}
