package updater

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lgulliver/otagate/pkg/types"
	"github.com/lgulliver/otagate/pkg/utils"
	"github.com/rs/zerolog/log"
)

// PullParams are the settings of a URL-driven update
type PullParams struct {
	URL               string
	CommitTimeout     int
	IgnoreSameVersion bool
}

// ParsePullParams reads url, commit_timeout and ignore_same_version from the
// form body of a POST or from the query string otherwise. The two sources are
// never merged. Empty values count as absent and fall back to the defaults.
func ParsePullParams(method string, body []byte, rawQuery, defaultURL string, defaultCommitTimeout int) PullParams {
	params := PullParams{
		URL:               defaultURL,
		CommitTimeout:     defaultCommitTimeout,
		IgnoreSameVersion: true,
	}

	raw := rawQuery
	if method == http.MethodPost {
		raw = string(body)
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		// ParseQuery keeps every pair it could decode.
		log.Debug().Err(err).Msg("Malformed update parameters")
	}

	if v := values.Get("url"); v != "" {
		params.URL = v
	}
	if v := values.Get("commit_timeout"); v != "" {
		params.CommitTimeout = utils.Atoi(v)
	}
	if v := values.Get("ignore_same_version"); v != "" {
		params.IgnoreSameVersion = utils.Atoi(v) > 0
	}

	return params
}

// StartPull admits a pull-mode session and starts fetching in the
// background. The result is delivered to conn when the session resolves,
// unless conn closed first.
func (s *Service) StartPull(ctx context.Context, params PullParams, conn *Conn) (*Session, error) {
	if params.URL == "" {
		return nil, ErrNoUpdateURL
	}

	// Advisory check; TryCreate does the authoritative one.
	if s.Registry.Current() != nil {
		s.Metrics.RecordConflict(string(types.ModePull))
		return nil, ErrAlreadyInProgress
	}

	sess, err := s.admit(ctx, types.ModePull)
	if err != nil {
		if errors.Is(err, ErrSessionCreate) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}

	sess.setURL(params.URL)
	sess.SetCommitTimeout(params.CommitTimeout)
	sess.SetIgnoreSameVersion(params.IgnoreSameVersion)
	sess.OnResult(s.deliverResult)
	sess.bindConn(conn)

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("url", params.URL).
		Int("commit_timeout", params.CommitTimeout).
		Bool("ignore_same_version", params.IgnoreSameVersion).
		Msg("Starting pull update")

	s.pulls.Add(1)
	go s.runPull(sess)

	return sess, nil
}

// runPull drives the writer from the fetcher. It runs on a context detached
// from the request: a client disconnect never interrupts a flash write.
func (s *Service) runPull(sess *Session) {
	defer s.pulls.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
	defer cancel()

	mode := string(types.ModePull)
	fetchErr := s.fetcher.Fetch(ctx, sess.URL(), func(p []byte) bool {
		if !sess.ingest(p) {
			return false
		}
		s.Metrics.AddBytes(mode, len(p))
		return true
	})

	if fetchErr == nil {
		sess.endOfStream()
	} else {
		log.Error().Err(fetchErr).Str("session_id", sess.ID.String()).Msg("Fetch failed")
	}

	if sess.writeComplete() {
		sess.finalize()
	}
	if fetchErr != nil {
		sess.fail(fmt.Sprintf("Fetch failed: %v", fetchErr))
	}
	sess.fail(MsgUpdateAborted)

	sess.fireResult()
	s.complete(sess, fetchErr)
}

// deliverResult is the result callback of pull sessions.
func (s *Service) deliverResult(sess *Session) {
	if !s.Registry.IsCurrent(sess) {
		return
	}

	conn := sess.takeConn()
	if conn == nil {
		log.Info().Str("session_id", sess.ID.String()).Msg("Requesting client is gone, dropping result")
		return
	}

	state, code, msg := sess.Result()
	status := http.StatusInternalServerError
	if state == ResultSuccess {
		status = http.StatusOK
	}

	if !conn.Deliver(Reply{Status: status, Body: fmt.Sprintf("(%d) %s", code, msg)}) {
		log.Debug().Str("session_id", sess.ID.String()).Msg("Result not delivered, connection closed")
	}
}
