package updater

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/lgulliver/otagate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePullParams(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		query      string
		defaultURL string
		defaultCT  int
		want       PullParams
	}{
		{
			name:   "query string on GET",
			method: http.MethodGet,
			query:  "url=http://x/y&commit_timeout=30",
			want:   PullParams{URL: "http://x/y", CommitTimeout: 30, IgnoreSameVersion: true},
		},
		{
			name:   "body on POST",
			method: http.MethodPost,
			body:   "url=http%3A%2F%2Fx%2Fy&ignore_same_version=0",
			want:   PullParams{URL: "http://x/y", IgnoreSameVersion: false},
		},
		{
			name:       "POST ignores the query string",
			method:     http.MethodPost,
			query:      "url=http://query/fw",
			defaultURL: "http://default/fw",
			want:       PullParams{URL: "http://default/fw", IgnoreSameVersion: true},
		},
		{
			name:       "GET ignores the body",
			method:     http.MethodGet,
			body:       "url=http://body/fw",
			defaultURL: "",
			want:       PullParams{URL: "", IgnoreSameVersion: true},
		},
		{
			name:       "empty url falls back to default",
			method:     http.MethodGet,
			query:      "url=&commit_timeout=",
			defaultURL: "http://default/fw",
			defaultCT:  60,
			want:       PullParams{URL: "http://default/fw", CommitTimeout: 60, IgnoreSameVersion: true},
		},
		{
			name:   "non numeric values follow atoi",
			method: http.MethodGet,
			query:  "url=http://x&commit_timeout=12abc&ignore_same_version=yes",
			want:   PullParams{URL: "http://x", CommitTimeout: 12, IgnoreSameVersion: false},
		},
		{
			name:   "positive ignore_same_version",
			method: http.MethodGet,
			query:  "url=http://x&ignore_same_version=2",
			want:   PullParams{URL: "http://x", IgnoreSameVersion: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePullParams(tt.method, []byte(tt.body), tt.query, tt.defaultURL, tt.defaultCT)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartPull_NoURL(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := setupTestService(t, engine, &fakeFetcher{})

	sess, err := svc.StartPull(context.Background(), PullParams{}, NewConn())
	assert.ErrorIs(t, err, ErrNoUpdateURL)
	assert.Nil(t, sess)
	assert.Nil(t, svc.Registry.Current())
	assert.Nil(t, engine.lastWriter(), "no session may be created")
}

func TestStartPull_Success(t *testing.T) {
	engine := newFakeEngine()
	fetcher := &fakeFetcher{chunks: [][]byte{[]byte("abc"), []byte("def")}}
	svc, _ := setupTestService(t, engine, fetcher)

	conn := NewConn()
	sess, err := svc.StartPull(context.Background(), PullParams{
		URL:               "http://x/y",
		CommitTimeout:     30,
		IgnoreSameVersion: true,
	}, conn)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, types.ModePull, sess.Mode)

	select {
	case r := <-conn.Replies():
		assert.Equal(t, http.StatusOK, r.Status)
		assert.Equal(t, "(1) Update applied, finalizing", r.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}

	svc.Wait()
	assert.Nil(t, svc.Registry.Current())
	assert.True(t, svc.Reboots.Pending())

	w := engine.lastWriter()
	assert.Equal(t, "abcdef", string(w.bytes()))
	require.NotNil(t, w.finalizeOptions())
	assert.Equal(t, 30, w.finalizeOptions().CommitTimeout)
}

func TestStartPull_Busy(t *testing.T) {
	engine := newFakeEngine()
	gate := make(chan struct{})
	svc, _ := setupTestService(t, engine, &fakeFetcher{gate: gate, chunks: [][]byte{[]byte("x")}})

	first, err := svc.StartPull(context.Background(), PullParams{URL: "http://x/y"}, NewConn())
	require.NoError(t, err)

	_, err = svc.StartPull(context.Background(), PullParams{URL: "http://x/y"}, NewConn())
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
	assert.Same(t, first, svc.Registry.Current())

	close(gate)
	svc.Wait()
	assert.Nil(t, svc.Registry.Current())
}

func TestStartPull_SessionCreateFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.createErr = assert.AnError
	svc, _ := setupTestService(t, engine, &fakeFetcher{})

	_, err := svc.StartPull(context.Background(), PullParams{URL: "http://x/y"}, NewConn())
	assert.ErrorIs(t, err, ErrSessionCreate)
	assert.NotErrorIs(t, err, ErrAlreadyInProgress)
	assert.Nil(t, svc.Registry.Current())
}

func TestStartPull_FetchError(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := setupTestService(t, engine, &fakeFetcher{chunks: [][]byte{[]byte("ab")}, err: errFetch})

	conn := NewConn()
	_, err := svc.StartPull(context.Background(), PullParams{URL: "http://x/y"}, conn)
	require.NoError(t, err)

	r := <-conn.Replies()
	assert.Equal(t, http.StatusInternalServerError, r.Status)
	assert.Equal(t, "(-1) Fetch failed: connection refused", r.Body)

	svc.Wait()
	assert.False(t, svc.Reboots.Pending())
	assert.Nil(t, engine.lastWriter().finalizeOptions())
}

func TestStartPull_ClientGoneBeforeResult(t *testing.T) {
	engine := newFakeEngine()
	gate := make(chan struct{})
	svc, _ := setupTestService(t, engine, &fakeFetcher{gate: gate, chunks: [][]byte{[]byte("abc")}})

	conn := NewConn()
	sess, err := svc.StartPull(context.Background(), PullParams{URL: "http://x/y"}, conn)
	require.NoError(t, err)

	conn.Close()
	assert.False(t, sess.hasConn())

	close(gate)
	svc.Wait()

	state, _, _ := sess.Result()
	assert.Equal(t, ResultSuccess, state, "update must still resolve")
	assert.Nil(t, svc.Registry.Current())
	assert.True(t, svc.Reboots.Pending())

	select {
	case r := <-conn.Replies():
		t.Fatalf("unexpected reply on closed connection: %+v", r)
	default:
	}
}

func TestDeliverResult_StaleSession(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := setupTestService(t, engine, nil)

	sess, err := svc.Registry.TryCreate(context.Background(), types.ModePull)
	require.NoError(t, err)
	conn := NewConn()
	sess.bindConn(conn)
	sess.OnResult(svc.deliverResult)
	sess.fail("boom")

	svc.Registry.Release(sess)
	sess.fireResult()

	select {
	case r := <-conn.Replies():
		t.Fatalf("stale session delivered a reply: %+v", r)
	default:
	}
	assert.True(t, sess.hasConn(), "stale callback must not touch the binding")
}

func TestFireResult_OnlyOnce(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := setupTestService(t, engine, nil)

	sess, err := svc.Registry.TryCreate(context.Background(), types.ModePull)
	require.NoError(t, err)

	calls := 0
	sess.OnResult(func(*Session) { calls++ })
	sess.fireResult()
	sess.fireResult()
	assert.Equal(t, 1, calls)
}
