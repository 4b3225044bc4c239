package flash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lgulliver/otagate/internal/storage"
	"github.com/lgulliver/otagate/internal/updater"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	stateRowID = 1
	noSlot     = -1
)

// Outcome messages
const (
	MsgApplied     = "Update applied, finalizing"
	MsgSameVersion = "Version is the same as current"
	MsgTooLarge    = "Image too large"
	MsgEmptyImage  = "Empty image"
	MsgExtraData   = "Unexpected data after end of image"
)

var (
	// ErrTrialInProgress is returned by NewWriter while an uncommitted image is running.
	ErrTrialInProgress = errors.New("running image is not committed")

	// ErrNotOpen is returned when the engine is used before Open.
	ErrNotOpen = errors.New("flash engine not opened")
)

// Engine is the A/B slot write engine. Images are staged into the inactive
// slot, switched to on finalize, promoted to trial on the next boot and must
// be committed before the commit timeout or they are reverted.
type Engine struct {
	db           *gorm.DB
	storage      storage.SlotStorage
	maxImageSize int64
	now          func() time.Time

	mu       sync.Mutex
	opened   bool
	watchdog *time.Timer
	onRevert func(reason string)
}

// NewEngine creates a flash engine persisting its slot table in db
func NewEngine(db *gorm.DB, store storage.SlotStorage, maxImageSize int64) *Engine {
	return &Engine{
		db:           db,
		storage:      store,
		maxImageSize: maxImageSize,
		now:          time.Now,
	}
}

// SlotPath returns the storage path of a slot image
func SlotPath(slot int) string {
	return fmt.Sprintf("slots/slot%d.bin", slot)
}

// Open loads the slot table and performs the boot transition: a pending
// image becomes a trial with a commit deadline, or is committed at once when
// it has no commit timeout. onRevert is called after the watchdog reverted an
// uncommitted image and the device must reboot.
func (e *Engine) Open(ctx context.Context, onRevert func(reason string)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onRevert = onRevert

	state, err := e.loadLocked(ctx)
	if err != nil {
		return err
	}
	e.opened = true

	switch state.Phase {
	case types.PhasePending:
		if state.CommitTimeout <= 0 {
			state.Phase = types.PhaseIdle
			state.TrialDeadline = nil
			log.Info().Int("slot", state.ActiveSlot).Msg("Booted new image, committed without trial")
			return e.saveLocked(ctx, state)
		}

		deadline := e.now().Add(time.Duration(state.CommitTimeout) * time.Second)
		state.Phase = types.PhaseTrial
		state.TrialDeadline = &deadline
		if err := e.saveLocked(ctx, state); err != nil {
			return err
		}
		log.Info().
			Int("slot", state.ActiveSlot).
			Time("deadline", deadline).
			Msg("Booted new image on trial")
		e.armLocked(deadline)

	case types.PhaseTrial:
		if state.TrialDeadline == nil || !state.TrialDeadline.After(e.now()) {
			log.Warn().Int("slot", state.ActiveSlot).Msg("Trial deadline passed while down, reverting")
			if err := e.revertLocked(ctx, state); err != nil {
				return err
			}
			e.notifyRevert("commit_timeout")
			return nil
		}
		e.armLocked(*state.TrialDeadline)
	}

	return nil
}

// Close stops the commit watchdog
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarmLocked()
}

// State returns the persisted slot table
func (e *Engine) State(ctx context.Context) (*types.FlashState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

// NewWriter stages a new image into the inactive slot
func (e *Engine) NewWriter(ctx context.Context) (updater.Writer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.opened {
		return nil, ErrNotOpen
	}

	state, err := e.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if state.Phase == types.PhaseTrial {
		return nil, ErrTrialInProgress
	}

	// A pending image that never booted is replaced in place so the
	// committed fallback slot survives.
	slot := 1 - state.ActiveSlot
	if state.Phase == types.PhasePending {
		slot = state.ActiveSlot
	}
	staged, err := e.storage.Create(ctx, SlotPath(slot))
	if err != nil {
		return nil, fmt.Errorf("failed to stage slot %d: %w", slot, err)
	}

	log.Debug().Int("slot", slot).Msg("Staging image")
	return &writer{engine: e, staged: staged, slot: slot}, nil
}

// Commit confirms the image on trial
func (e *Engine) Commit(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.loadLocked(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load flash state")
		return false
	}
	if state.Phase != types.PhaseTrial {
		log.Warn().Str("phase", string(state.Phase)).Msg("Nothing to commit")
		return false
	}

	state.Phase = types.PhaseIdle
	state.TrialDeadline = nil
	if err := e.saveLocked(ctx, state); err != nil {
		log.Error().Err(err).Msg("Failed to persist commit")
		return false
	}
	e.disarmLocked()

	log.Info().Int("slot", state.ActiveSlot).Str("digest", state.ActiveDigest).Msg("Committed image")
	return true
}

// Revert switches back to the previous image of an uncommitted update. The
// caller reboots.
func (e *Engine) Revert(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.loadLocked(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load flash state")
		return false
	}
	if state.Phase == types.PhaseIdle || state.PreviousSlot == noSlot {
		log.Warn().Str("phase", string(state.Phase)).Msg("Nothing to revert")
		return false
	}

	if err := e.revertLocked(ctx, state); err != nil {
		log.Error().Err(err).Msg("Failed to revert")
		return false
	}
	return true
}

func (e *Engine) revertLocked(ctx context.Context, state *types.FlashState) error {
	rejected := state.ActiveSlot

	state.ActiveSlot = state.PreviousSlot
	state.ActiveDigest = state.PreviousDigest
	state.PreviousSlot = noSlot
	state.PreviousDigest = ""
	state.Phase = types.PhaseIdle
	state.TrialDeadline = nil
	if err := e.saveLocked(ctx, state); err != nil {
		return err
	}
	e.disarmLocked()

	if err := e.storage.Delete(ctx, SlotPath(rejected)); err != nil {
		log.Warn().Err(err).Int("slot", rejected).Msg("Failed to delete rejected image")
	}

	log.Info().Int("slot", state.ActiveSlot).Int("rejected_slot", rejected).Msg("Reverted to previous image")
	return nil
}

// finalize switches to the staged image, or drops it when it matches the
// active image and same-version updates are ignored.
func (e *Engine) finalize(ctx context.Context, w *writer, opts updater.FinalizeOptions) updater.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.loadLocked(ctx)
	if err != nil {
		return updater.Outcome{Code: -1, Message: fmt.Sprintf("Failed to load flash state: %v", err)}
	}

	digest := w.staged.Digest()
	if opts.IgnoreSameVersion && state.ActiveDigest != "" && digest == state.ActiveDigest {
		if err := w.staged.Abort(); err != nil {
			log.Warn().Err(err).Msg("Failed to discard staged image")
		}
		log.Info().Str("digest", digest).Msg("Image matches the active image, skipping")
		return updater.Outcome{Code: 1, Message: MsgSameVersion}
	}

	if err := w.staged.Commit(); err != nil {
		return updater.Outcome{Code: -1, Message: fmt.Sprintf("Failed to write slot: %v", err)}
	}

	if state.Phase == types.PhaseIdle {
		state.PreviousSlot = state.ActiveSlot
		state.PreviousDigest = state.ActiveDigest
	}
	state.ActiveSlot = w.slot
	state.ActiveDigest = digest
	state.Phase = types.PhasePending
	state.CommitTimeout = opts.CommitTimeout
	state.TrialDeadline = nil
	if err := e.saveLocked(ctx, state); err != nil {
		return updater.Outcome{Code: -1, Message: fmt.Sprintf("Failed to persist flash state: %v", err)}
	}

	log.Info().
		Int("slot", w.slot).
		Str("digest", digest).
		Int64("size", w.staged.Size()).
		Int("commit_timeout", opts.CommitTimeout).
		Msg("Image pending for next boot")

	return updater.Outcome{Code: 1, Message: MsgApplied, RebootRequired: true}
}

func (e *Engine) armLocked(deadline time.Time) {
	e.disarmLocked()
	e.watchdog = time.AfterFunc(deadline.Sub(e.now()), e.expire)
}

func (e *Engine) disarmLocked() {
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
}

func (e *Engine) expire() {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state, err := e.loadLocked(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load flash state")
		return
	}
	if state.Phase != types.PhaseTrial {
		return
	}

	log.Warn().Int("slot", state.ActiveSlot).Msg("Commit timeout expired, reverting")
	if err := e.revertLocked(ctx, state); err != nil {
		log.Error().Err(err).Msg("Failed to revert after commit timeout")
		return
	}
	e.notifyRevert("commit_timeout")
}

func (e *Engine) notifyRevert(reason string) {
	if e.onRevert != nil {
		go e.onRevert(reason)
	}
}

func (e *Engine) loadLocked(ctx context.Context) (*types.FlashState, error) {
	state := types.FlashState{
		ID:           stateRowID,
		ActiveSlot:   0,
		PreviousSlot: noSlot,
		Phase:        types.PhaseIdle,
	}
	if err := e.db.WithContext(ctx).FirstOrCreate(&state, types.FlashState{ID: stateRowID}).Error; err != nil {
		return nil, fmt.Errorf("failed to load flash state: %w", err)
	}
	return &state, nil
}

func (e *Engine) saveLocked(ctx context.Context, state *types.FlashState) error {
	if err := e.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("failed to save flash state: %w", err)
	}
	return nil
}
