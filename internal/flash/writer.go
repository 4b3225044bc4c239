package flash

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lgulliver/otagate/internal/storage"
	"github.com/lgulliver/otagate/internal/updater"
	"github.com/lgulliver/otagate/pkg/utils"
	"github.com/rs/zerolog/log"
)

// writer streams one image into a staged slot file
type writer struct {
	engine *Engine
	staged storage.StagedWriter
	slot   int

	mu       sync.Mutex
	eos      bool
	finished bool
	outcome  updater.Outcome
}

func (w *writer) Write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return
	}
	if w.eos {
		w.failLocked(MsgExtraData)
		return
	}
	if limit := w.engine.maxImageSize; limit > 0 && w.staged.Size()+int64(len(p)) > limit {
		w.failLocked(fmt.Sprintf("%s (limit %s)", MsgTooLarge, utils.FormatBytes(limit)))
		return
	}
	if _, err := w.staged.Write(p); err != nil {
		w.failLocked(fmt.Sprintf("Write failed: %v", err))
	}
}

func (w *writer) EndOfStream() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished || w.eos {
		return
	}
	w.eos = true
	if w.staged.Size() == 0 {
		w.failLocked(MsgEmptyImage)
	}
}

func (w *writer) WriteComplete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eos && !w.finished
}

func (w *writer) Finalize(opts updater.FinalizeOptions) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished || !w.eos {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	w.outcome = w.engine.finalize(ctx, w, opts)
	w.finished = true
	if w.outcome.Code <= 0 {
		w.abortLocked()
	}
}

func (w *writer) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

func (w *writer) Outcome() updater.Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// Close discards the staged image unless finalize committed it
func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.staged.Abort()
}

func (w *writer) failLocked(msg string) {
	log.Warn().Int("slot", w.slot).Int64("size", w.staged.Size()).Msg(msg)
	w.finished = true
	w.outcome = updater.Outcome{Code: -1, Message: msg}
	w.abortLocked()
}

func (w *writer) abortLocked() {
	if err := w.staged.Abort(); err != nil {
		log.Warn().Err(err).Int("slot", w.slot).Msg("Failed to discard staged image")
	}
}
