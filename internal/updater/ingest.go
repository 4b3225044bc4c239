package updater

import (
	"context"
	"net/http"

	"github.com/lgulliver/otagate/pkg/types"
	"github.com/lgulliver/otagate/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Part and request status values. Negative means the transport died.
const (
	StatusOK             = 0
	StatusTransportError = -1
)

// FieldCommitTimeout is the form field that sets the commit timeout.
const FieldCommitTimeout = "commit_timeout"

type partKind int

const (
	partNone partKind = iota
	partField
	partFile
)

// Ingestor is the per-request state machine for multipart uploads. It is fed
// RequestStart, then PartBegin/PartData/PartEnd for every part, then
// RequestEnd. Events must come from a single goroutine in stream order.
type Ingestor struct {
	svc     *Service
	conn    *Conn
	session *Session
	kind    partKind
}

// NewIngestor creates an ingestor bound to the requesting connection
func (s *Service) NewIngestor(conn *Conn) *Ingestor {
	return &Ingestor{svc: s, conn: conn}
}

// Session returns the session bound to this request, if any.
func (in *Ingestor) Session() *Session {
	return in.session
}

// RequestStart admits a new upload session. On error the caller rejects the
// request and feeds no further events.
func (in *Ingestor) RequestStart(ctx context.Context) error {
	sess, err := in.svc.admit(ctx, types.ModeUpload)
	if err != nil {
		return err
	}
	in.session = sess
	sess.bindConn(in.conn)
	return nil
}

// PartBegin classifies the next part. A part with a file name is the
// firmware image, anything else is a form field.
func (in *Ingestor) PartBegin(name, fileName string) {
	if in.session == nil {
		return
	}

	log.Debug().
		Str("session_id", in.session.ID.String()).
		Str("name", name).
		Str("file_name", fileName).
		Msg("Multipart part begin")

	if fileName == "" {
		in.kind = partField
		in.session.fields.Begin(name)
		return
	}
	in.kind = partFile
}

// PartData handles one chunk of the current part.
func (in *Ingestor) PartData(p []byte) {
	if in.session == nil {
		return
	}

	switch in.kind {
	case partField:
		in.session.fields.Append(p)
	case partFile:
		// Bytes after the writer finished are drained. Some clients keep
		// sending and do not like the connection closing under them.
		if in.session.ingest(p) {
			in.svc.Metrics.AddBytes(string(types.ModeUpload), len(p))
		}
	}
}

// PartEnd closes the current part. A negative status discards a field.
func (in *Ingestor) PartEnd(status int) {
	if in.session == nil {
		return
	}
	kind := in.kind
	in.kind = partNone

	if status < 0 {
		if kind == partField {
			name, _ := in.session.fields.End()
			log.Debug().Str("name", name).Int("status", status).Msg("Discarding field from broken part")
		}
		return
	}

	switch kind {
	case partField:
		in.applyField()
	case partFile:
		// Fields may still follow and change settings applied at finalize.
		in.session.endOfStream()
	}
}

func (in *Ingestor) applyField() {
	truncated := in.session.fields.Truncated()
	name, value := in.session.fields.End()

	logger := log.Debug().
		Str("session_id", in.session.ID.String()).
		Str("name", name).
		Str("value", value)
	if truncated {
		logger = logger.Bool("truncated", true)
	}
	logger.Msg("Got form field")

	switch name {
	case FieldCommitTimeout:
		in.session.SetCommitTimeout(utils.Atoi(value))
	}
}

// RequestEnd is the single finalize point of an upload. It returns the reply
// to send and whether the connection is still able to receive it.
func (in *Ingestor) RequestEnd(status int) (Reply, bool) {
	sess := in.session
	if sess == nil {
		return Reply{}, false
	}

	if sess.writeComplete() {
		sess.finalize()
	}
	sess.fail(MsgUpdateAborted)

	state, _, msg := sess.Result()
	reply := Reply{Status: http.StatusBadRequest, Body: msg}
	if state == ResultSuccess {
		reply.Status = http.StatusOK
	}

	// Reboot is scheduled inside complete before the session is released.
	in.svc.complete(sess, nil)
	in.session = nil
	sess.takeConn()

	if status < 0 {
		log.Warn().
			Str("session_id", sess.ID.String()).
			Int("status", status).
			Msg("Connection dropped, not sending reply")
		return reply, false
	}
	return reply, true
}
