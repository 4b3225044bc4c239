package updater

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lgulliver/otagate/pkg/config"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/stretchr/testify/mock"
)

// fakeWriter is an in-memory Writer. It fails once more than failAfter bytes
// arrive (when failAfter > 0) and on any write after end of stream.
type fakeWriter struct {
	mu        sync.Mutex
	data      bytes.Buffer
	failAfter int
	eos       bool
	finished  bool
	closed    bool
	outcome   Outcome
	onFinal   Outcome
	finalized *FinalizeOptions
}

func (w *fakeWriter) Write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	if w.eos {
		w.finish(Outcome{Code: -1, Message: "Extra data after image"})
		return
	}
	w.data.Write(p)
	if w.failAfter > 0 && w.data.Len() > w.failAfter {
		w.finish(Outcome{Code: -1, Message: "Image too large"})
	}
}

func (w *fakeWriter) EndOfStream() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.eos = true
}

func (w *fakeWriter) WriteComplete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eos && !w.finished
}

func (w *fakeWriter) Finalize(opts FinalizeOptions) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = &opts
	w.finish(w.onFinal)
}

func (w *fakeWriter) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

func (w *fakeWriter) Outcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) finish(o Outcome) {
	w.finished = true
	w.outcome = o
}

func (w *fakeWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.data.Bytes()...)
}

func (w *fakeWriter) finalizeOptions() *FinalizeOptions {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalized
}

func (w *fakeWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type fakeEngine struct {
	mu        sync.Mutex
	writers   []*fakeWriter
	createErr error
	failAfter int
	onFinal   Outcome
	commitOK  bool
	revertOK  bool
	commits   int
	reverts   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		onFinal: Outcome{Code: 1, Message: "Update applied, finalizing", RebootRequired: true},
	}
}

func (e *fakeEngine) NewWriter(ctx context.Context) (Writer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	w := &fakeWriter{failAfter: e.failAfter, onFinal: e.onFinal}
	e.writers = append(e.writers, w)
	return w, nil
}

func (e *fakeEngine) Commit(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commits++
	return e.commitOK
}

func (e *fakeEngine) Revert(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reverts++
	return e.revertOK
}

func (e *fakeEngine) lastWriter() *fakeWriter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.writers) == 0 {
		return nil
	}
	return e.writers[len(e.writers)-1]
}

// fakeFetcher feeds chunks to the sink. If gate is set it waits for it
// before sending anything.
type fakeFetcher struct {
	chunks [][]byte
	err    error
	gate   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, sink func([]byte) bool) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, c := range f.chunks {
		if !sink(c) {
			return nil
		}
	}
	return f.err
}

type countingRebooter struct {
	mu    sync.Mutex
	count int
}

func (r *countingRebooter) Reboot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *countingRebooter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// MockRecorder implements Recorder for testing
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, attempt *types.UpdateAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

// MockPublisher implements StatusPublisher for testing
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, status types.UpdateStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

var errFetch = errors.New("connection refused")

func testUpdateConfig() *config.UpdateConfig {
	return &config.UpdateConfig{
		CommitTimeout:   0,
		EnablePost:      true,
		FieldBufferSize: 49,
		// Long enough that no test ever reaches the rebooter by accident.
		RebootDelay:   time.Hour,
		RevertDelay:   time.Hour,
		FetchTimeout:  5 * time.Second,
		ActionTimeout: 50 * time.Millisecond,
	}
}

func setupTestService(t *testing.T, engine *fakeEngine, fetcher Fetcher) (*Service, *countingRebooter) {
	t.Helper()
	rebooter := &countingRebooter{}
	reboots := NewRebootScheduler(rebooter)
	t.Cleanup(func() { reboots.Stop() })

	svc := NewService(testUpdateConfig(), engine, fetcher, reboots, nil)
	return svc, rebooter
}

// event is one step of a scripted multipart replay
type event struct {
	kind     string // begin, data, end
	name     string
	fileName string
	data     string
	status   int
}

func beginField(name string) event { return event{kind: "begin", name: name} }
func beginFile(name, fileName string) event {
	return event{kind: "begin", name: name, fileName: fileName}
}
func data(s string) event { return event{kind: "data", data: s} }
func end() event { return event{kind: "end"} }
func endWithStatus(st int) event { return event{kind: "end", status: st} }

// replay feeds a scripted upload through a fresh ingestor.
func replay(t *testing.T, svc *Service, events []event, requestStatus int) (Reply, bool, *Ingestor) {
	t.Helper()
	in := svc.NewIngestor(NewConn())
	if err := in.RequestStart(context.Background()); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	for _, ev := range events {
		switch ev.kind {
		case "begin":
			in.PartBegin(ev.name, ev.fileName)
		case "data":
			in.PartData([]byte(ev.data))
		case "end":
			in.PartEnd(ev.status)
		}
	}
	reply, send := in.RequestEnd(requestStatus)
	return reply, send, in
}
