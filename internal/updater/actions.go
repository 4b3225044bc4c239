package updater

import (
	"context"
	"net/http"
	"time"

	"github.com/lgulliver/otagate/internal/metrics"
	"github.com/rs/zerolog/log"
	lock "github.com/subchen/go-trylock"
)

// Action names used in logs and metrics
const (
	ActionCommit = "commit"
	ActionRevert = "revert"
)

type tryLocker interface {
	TryLock(timeout time.Duration) bool
	Unlock()
}

// Dispatcher runs commit and revert against the firmware left by a previous
// update. It does not touch the session registry.
type Dispatcher struct {
	engine      Engine
	reboots     *RebootScheduler
	metrics     *metrics.UpdateMetrics
	mu          tryLocker
	lockTimeout time.Duration
	revertDelay time.Duration
}

// NewDispatcher creates a dispatcher. Callers that cannot take the action
// lock within lockTimeout get an error reply.
func NewDispatcher(engine Engine, reboots *RebootScheduler, m *metrics.UpdateMetrics, lockTimeout, revertDelay time.Duration) *Dispatcher {
	return &Dispatcher{
		engine:      engine,
		reboots:     reboots,
		metrics:     m,
		mu:          lock.New(),
		lockTimeout: lockTimeout,
		revertDelay: revertDelay,
	}
}

// Commit confirms the pending image. It never reboots.
func (d *Dispatcher) Commit(ctx context.Context) Reply {
	return d.run(ctx, ActionCommit)
}

// Revert rolls back to the previous image and schedules a reboot on success.
func (d *Dispatcher) Revert(ctx context.Context) Reply {
	return d.run(ctx, ActionRevert)
}

func (d *Dispatcher) run(ctx context.Context, action string) Reply {
	if ok := d.mu.TryLock(d.lockTimeout); !ok {
		log.Warn().Str("action", action).Msg("Another action is running")
		d.metrics.RecordAction(action, false)
		return actionReply(false)
	}
	defer d.mu.Unlock()

	var ok bool
	switch action {
	case ActionCommit:
		ok = d.engine.Commit(ctx)
	case ActionRevert:
		ok = d.engine.Revert(ctx)
		if ok && d.reboots.RebootAfter(d.revertDelay, ActionRevert) {
			d.metrics.RecordReboot(ActionRevert)
		}
	}

	log.Info().Str("action", action).Bool("ok", ok).Msg("Update action finished")
	d.metrics.RecordAction(action, ok)

	return actionReply(ok)
}

func actionReply(ok bool) Reply {
	if ok {
		return Reply{Status: http.StatusOK, Body: MsgOk}
	}
	return Reply{Status: http.StatusBadRequest, Body: MsgError}
}
