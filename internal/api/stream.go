package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
	"github.com/theramjad/hyperwhisper-fly/internal/streaming"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

// Stream handles GET /v1/stream. Admission failures are answered as plain
// HTTP errors before the upgrade; once upgraded the session owns the
// connection until it finishes.
func (h *Handler) Stream(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		server.RespondWithError(c, apperrors.InvalidInput("Upgrade", "a websocket upgrade is required"))
		return
	}
	if h.deps.Streams == nil {
		server.RespondWithError(c, apperrors.Configuration("live streaming is not configured"))
		return
	}

	id, err := h.admit(c, identityRequest(c), func() float64 { return h.cfg.StreamMinCredits })
	if err != nil {
		server.RespondWithError(c, err)
		return
	}

	requestID := server.RequestID(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, http.Header{"X-Request-Id": {requestID}})
	if err != nil {
		// The upgrader has already answered the client.
		h.log.WithContext(c.Request.Context()).Warn("Websocket upgrade failed", logger.Fields(logger.FieldError, err.Error()))
		return
	}
	conn.SetReadLimit(h.cfg.MaxFrameBytes)

	language := firstNonEmpty(c.Query("language"), c.GetHeader("X-Language"))
	hint := firstNonEmpty(c.Query("vocabulary"), c.GetHeader("X-Vocabulary"))
	_ = h.deps.Streams.Serve(c.Request.Context(), conn, streaming.Params{
		Identity:   id,
		IP:         c.ClientIP(),
		Language:   language,
		Vocabulary: stt.VocabularyFor(language, stt.ParseVocabulary(hint)),
		RequestID:  requestID,
	})
}
