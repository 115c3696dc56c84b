package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theramjad/hyperwhisper-fly/internal/correction"
	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
	"github.com/theramjad/hyperwhisper-fly/internal/validation"
)

type correctRequest struct {
	Text       string `json:"text" validate:"required"`
	Prompt     string `json:"prompt" validate:"max=20000"`
	LicenseKey string `json:"license_key,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
}

type correctResponse struct {
	CorrectedText string  `json:"corrected_text"`
	CostUSD       float64 `json:"cost_usd"`
	CreditsUsed   float64 `json:"credits_used"`
	Provider      string  `json:"provider"`
	FallbackUsed  bool    `json:"fallback_used"`
}

// Correct handles POST /v1/correct.
func (h *Handler) Correct(c *gin.Context) {
	ctx := c.Request.Context()

	var body correctRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			server.RespondWithError(c, apperrors.PayloadTooLarge(mbe.Limit))
		case errors.Is(err, io.EOF):
			server.RespondWithError(c, apperrors.InvalidInput("body", "request body is empty"))
		default:
			server.RespondWithError(c, apperrors.InvalidInput("body", "request body is not valid JSON"))
		}
		return
	}
	if err := validation.Validate(&body); err != nil {
		server.RespondWithError(c, err)
		return
	}
	if n := len([]rune(body.Text)); n > h.cfg.MaxTextChars {
		server.RespondWithError(c, apperrors.InvalidInput("text", "text is too long").
			WithDetail("max_chars", h.cfg.MaxTextChars))
		return
	}

	req := identityRequest(c)
	req.LicenseKey = firstNonEmpty(body.LicenseKey, req.LicenseKey)
	req.DeviceID = firstNonEmpty(body.DeviceID, req.DeviceID)

	id, err := h.admit(c, req, func() float64 {
		return h.deps.Billing.EstimateCredits(ledger.SizeHint{Bytes: int64(len(body.Text) + len(body.Prompt)), Kind: ledger.Text})
	})
	if err != nil {
		server.RespondWithError(c, err)
		return
	}

	res, err := h.deps.Corrector.Correct(ctx, correction.Request{
		Text:        body.Text,
		Instruction: body.Prompt,
		RequestID:   server.RequestID(c),
	})
	if err != nil {
		h.log.WithContext(ctx).Warn("Correction failed", logger.Fields(
			logger.FieldIdentity, id.Kind.String(), logger.FieldError, err.Error()))
		server.RespondWithError(c, err)
		return
	}

	credits := h.charge(c, id, res.CostUSD, res.Source, "correct")
	setCostHeaders(c, res.CostUSD, credits)
	server.RespondOK(c, correctResponse{
		CorrectedText: res.Text,
		CostUSD:       res.CostUSD,
		CreditsUsed:   credits,
		Provider:      res.Source,
		FallbackUsed:  res.FallbackUsed,
	})
}
