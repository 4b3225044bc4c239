package routes

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/otagate/cmd/ota-server/middleware"
	"github.com/lgulliver/otagate/internal/updater"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	partChunkSize   = 4 << 10
	maxPullBodySize = 16 << 10
	defaultHistory  = 10
	maxHistory      = 100
)

// UpdateRoutes sets up the firmware update endpoints. history, flash and cache may be nil.
func UpdateRoutes(r *gin.RouterGroup, svc *updater.Service, history HistoryLister, flash FlashStateReader, cache StatusCache) {
	update := r.Group("/update")
	{
		update.GET("", handleUpdate(svc))
		update.POST("", handleUpdate(svc))
		update.POST("/commit", handleCommit(svc))
		update.POST("/revert", handleRevert(svc))
		update.GET("/status", handleStatus(svc, history, flash, cache))
	}
}

// handleUpdate dispatches multipart bodies to the upload flow and everything
// else to the pull flow
func handleUpdate(svc *updater.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !svc.PostEnabled() {
			writeReply(c, updater.Reply{Status: http.StatusBadRequest, Body: updater.MsgUpdatesDisabled})
			return
		}

		log.Info().
			Str("actor", actor(c)).
			Str("method", c.Request.Method).
			Str("content_type", c.ContentType()).
			Msg("Update requested")

		if strings.HasPrefix(c.ContentType(), "multipart/") {
			handleUpload(c, svc)
			return
		}
		handlePull(c, svc)
	}
}

func handleUpload(c *gin.Context, svc *updater.Service) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		log.Debug().Err(err).Msg("Rejecting malformed multipart request")
		writeReply(c, updater.Reply{Status: http.StatusBadRequest, Body: "Malformed multipart request"})
		return
	}

	conn := updater.NewConn()
	defer conn.Close()

	in := svc.NewIngestor(conn)
	if err := in.RequestStart(c.Request.Context()); err != nil {
		writeReply(c, admissionReply(err))
		return
	}

	status := feedParts(reader, in)
	reply, send := in.RequestEnd(status)
	if !send {
		// Nothing can be written to a broken connection.
		panic(http.ErrAbortHandler)
	}
	writeReply(c, reply)
}

// feedParts drives the ingestor from the multipart stream in order. It
// returns a negative status if the stream broke before its closing boundary.
func feedParts(reader *multipart.Reader, in *updater.Ingestor) int {
	buf := make([]byte, partChunkSize)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return updater.StatusOK
		}
		if err != nil {
			log.Warn().Err(err).Msg("Multipart stream broken")
			return updater.StatusTransportError
		}

		in.PartBegin(part.FormName(), part.FileName())
		for {
			n, err := part.Read(buf)
			if n > 0 {
				in.PartData(buf[:n])
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				log.Warn().Err(err).Str("name", part.FormName()).Msg("Multipart part broken")
				in.PartEnd(updater.StatusTransportError)
				part.Close()
				return updater.StatusTransportError
			}
		}
		in.PartEnd(updater.StatusOK)
		part.Close()
	}
}

func handlePull(c *gin.Context, svc *updater.Service) {
	var body []byte
	if c.Request.Method == http.MethodPost && c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxPullBodySize))
		if err != nil {
			log.Debug().Err(err).Msg("Failed to read pull request body")
			writeReply(c, updater.Reply{Status: http.StatusBadRequest, Body: "Failed to read request body"})
			return
		}
	}

	params := svc.PullParams(c.Request.Method, body, c.Request.URL.RawQuery)

	conn := updater.NewConn()
	defer conn.Close()

	if _, err := svc.StartPull(c.Request.Context(), params, conn); err != nil {
		writeReply(c, admissionReply(err))
		return
	}

	select {
	case reply := <-conn.Replies():
		writeReply(c, reply)
	case <-c.Request.Context().Done():
		// The pull keeps running; the deferred Close detaches it from us.
		log.Info().Str("url", params.URL).Msg("Client went away before pull finished")
		c.Abort()
	}
}

func handleCommit(svc *updater.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reply := svc.Dispatcher.Commit(c.Request.Context())
		log.Info().Str("actor", actor(c)).Int("status", reply.Status).Msg("Commit requested")
		writeReply(c, reply)
	}
}

func handleRevert(svc *updater.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reply := svc.Dispatcher.Revert(c.Request.Context())
		log.Info().Str("actor", actor(c)).Int("status", reply.Status).Msg("Revert requested")
		writeReply(c, reply)
	}
}

// actor names the token subject behind a request, or "anonymous" when
// auth is off.
func actor(c *gin.Context) string {
	if subject, ok := middleware.GetSubjectFromContext(c); ok && subject != "" {
		return subject
	}
	return "anonymous"
}

// handleStatus reports the current or last session, the slot table and
// recent attempts. Before the first session of this run, the last status
// published to the cache is reported instead.
func handleStatus(svc *updater.Service, history HistoryLister, flash FlashStateReader, cache StatusCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultHistory
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, types.APIResponse{
					Success: false,
					Error:   "Invalid limit",
				})
				return
			}
			limit = min(n, maxHistory)
		}

		status := svc.Status()
		if status.SessionID == "" && cache != nil {
			cached, err := cache.LastStatus(c.Request.Context())
			if err == nil {
				status = *cached
			} else {
				log.Debug().Err(err).Msg("No cached update status")
			}
		}

		data := gin.H{"status": status}

		if flash != nil {
			state, err := flash.State(c.Request.Context())
			if err != nil {
				log.Error().Err(err).Msg("Failed to load flash state")
				c.JSON(http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error:   "Failed to load flash state",
				})
				return
			}
			data["flash"] = state
		}

		if history != nil {
			attempts, err := history.Recent(c.Request.Context(), limit)
			if err != nil {
				log.Error().Err(err).Msg("Failed to list update history")
				c.JSON(http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error:   "Failed to list update history",
				})
				return
			}
			data["history"] = attempts
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Data:    data,
		})
	}
}

// admissionReply maps a rejected session start to its reply
func admissionReply(err error) updater.Reply {
	switch {
	case errors.Is(err, updater.ErrNoUpdateURL):
		return updater.Reply{Status: http.StatusBadRequest, Body: updater.MsgNoUpdateURL}
	case errors.Is(err, updater.ErrSessionCreate):
		log.Warn().Err(err).Msg("Update session not created")
		return updater.Reply{Status: http.StatusConflict, Body: updater.MsgSessionCreate}
	case errors.Is(err, updater.ErrAlreadyInProgress):
		return updater.Reply{Status: http.StatusConflict, Body: updater.MsgAlreadyInProgress}
	case errors.Is(err, updater.ErrUpdatesDisabled):
		return updater.Reply{Status: http.StatusBadRequest, Body: updater.MsgUpdatesDisabled}
	default:
		log.Error().Err(err).Msg("Unexpected update admission error")
		return updater.Reply{Status: http.StatusInternalServerError, Body: updater.MsgUnknownError}
	}
}

// writeReply sends a text reply and closes the connection afterwards
func writeReply(c *gin.Context, r updater.Reply) {
	c.Header("Connection", "close")
	c.Data(r.Status, "text/plain", []byte(r.Body+"\r\n"))
}
