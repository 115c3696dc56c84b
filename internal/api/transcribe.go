package api

import (
	"io"
	"mime"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

type transcribeResponse struct {
	Text            string  `json:"text"`
	Language        string  `json:"language,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	CostUSD         float64 `json:"cost_usd"`
	CreditsUsed     float64 `json:"credits_used"`
	Provider        string  `json:"provider"`
	NoSpeech        bool    `json:"no_speech"`
}

func audioMediaType(contentType string) (string, bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	switch {
	case strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"), mt == "application/octet-stream":
		return mt, true
	}
	return mt, false
}

// Transcribe handles POST /v1/transcribe with a raw audio body.
func (h *Handler) Transcribe(c *gin.Context) {
	ctx := c.Request.Context()
	contentType := c.GetHeader("Content-Type")
	mt, ok := audioMediaType(contentType)
	if !ok {
		server.RespondWithError(c, apperrors.UnsupportedMediaType(contentType))
		return
	}
	if c.Request.ContentLength > h.cfg.MaxAudioBytes {
		server.RespondWithError(c, apperrors.PayloadTooLarge(h.cfg.MaxAudioBytes))
		return
	}

	audio, err := io.ReadAll(io.LimitReader(c.Request.Body, h.cfg.MaxAudioBytes+1))
	if err != nil {
		server.RespondWithError(c, bodyError(err))
		return
	}
	if int64(len(audio)) > h.cfg.MaxAudioBytes {
		server.RespondWithError(c, apperrors.PayloadTooLarge(h.cfg.MaxAudioBytes))
		return
	}
	if len(audio) == 0 {
		server.RespondWithError(c, apperrors.InvalidInput("body", "audio body is empty"))
		return
	}

	id, err := h.admit(c, identityRequest(c), func() float64 {
		return h.deps.Billing.EstimateCredits(ledger.SizeHint{Bytes: int64(len(audio)), Kind: ledger.Audio})
	})
	if err != nil {
		server.RespondWithError(c, err)
		return
	}

	language := firstNonEmpty(c.Query("language"), c.GetHeader("X-Language"))
	hint := firstNonEmpty(c.Query("vocabulary"), c.GetHeader("X-Vocabulary"))
	selection := firstNonEmpty(c.Query("provider"), c.GetHeader("X-STT-Provider"))

	res, err := h.deps.STT.Transcribe(ctx, selection, &stt.Request{
		Audio:       audio,
		ContentType: mt,
		Language:    language,
		Vocabulary:  stt.VocabularyFor(language, stt.ParseVocabulary(hint)),
		RequestID:   server.RequestID(c),
	})
	if err != nil {
		h.log.WithContext(ctx).Warn("Transcription failed", logger.Fields(
			logger.FieldIdentity, id.Kind.String(), logger.FieldError, err.Error()))
		server.RespondWithError(c, err)
		return
	}

	var credits float64
	if !res.NoSpeech {
		credits = h.charge(c, id, res.CostUSD, res.Source, "transcribe")
	}

	c.Header("X-STT-Provider", res.Source)
	setCostHeaders(c, res.CostUSD, credits)
	server.RespondOK(c, transcribeResponse{
		Text:            res.Text,
		Language:        res.DetectedLanguage,
		DurationSeconds: res.DurationSeconds,
		CostUSD:         res.CostUSD,
		CreditsUsed:     credits,
		Provider:        res.Source,
		NoSpeech:        res.NoSpeech,
	})
}
