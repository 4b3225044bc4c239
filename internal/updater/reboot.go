package updater

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Rebooter restarts the device.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// CommandRebooter runs an external command to restart the device.
type CommandRebooter struct {
	Command []string
}

// NewCommandRebooter creates a rebooter for the given argv
func NewCommandRebooter(command []string) *CommandRebooter {
	return &CommandRebooter{Command: command}
}

// Reboot runs the configured command
func (r *CommandRebooter) Reboot(ctx context.Context) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("no reboot command configured")
	}
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("reboot command %q failed: %w: %s", r.Command[0], err, out)
	}
	return nil
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func(ctx context.Context) error

func (f RebootFunc) Reboot(ctx context.Context) error { return f(ctx) }

// RebootScheduler triggers a reboot after a short delay so the reply can be
// flushed first. Only one reboot can be armed at a time.
type RebootScheduler struct {
	rebooter Rebooter

	mu     sync.Mutex
	timer  *time.Timer
	reason string
	onFire func(reason string)
}

// NewRebootScheduler creates a scheduler around rebooter
func NewRebootScheduler(rebooter Rebooter) *RebootScheduler {
	return &RebootScheduler{rebooter: rebooter}
}

// OnReboot registers a hook that runs just before the reboot primitive.
func (s *RebootScheduler) OnReboot(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFire = fn
}

// RebootAfter arms a reboot. It returns false if one is already armed.
func (s *RebootScheduler) RebootAfter(delay time.Duration, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		log.Debug().Str("reason", reason).Str("armed_reason", s.reason).Msg("Reboot already scheduled")
		return false
	}

	log.Info().Dur("delay", delay).Str("reason", reason).Msg("Rebooting device")
	s.reason = reason
	s.timer = time.AfterFunc(delay, s.fire)
	return true
}

func (s *RebootScheduler) fire() {
	s.mu.Lock()
	reason := s.reason
	hook := s.onFire
	s.timer = nil
	s.mu.Unlock()

	if hook != nil {
		hook(reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.rebooter.Reboot(ctx); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("Reboot failed")
	}
}

// Pending reports whether a reboot is armed.
func (s *RebootScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop disarms a pending reboot. Used on shutdown and in tests.
func (s *RebootScheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	stopped := s.timer.Stop()
	s.timer = nil
	return stopped
}
