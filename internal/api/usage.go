package api

import (
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
)

type ipQuota struct {
	Used      float64   `json:"used"`
	Limit     float64   `json:"limit"`
	Remaining float64   `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

type usageResponse struct {
	Kind             string   `json:"kind"`
	CreditsRemaining float64  `json:"credits_remaining"`
	TotalAllocated   *float64 `json:"total_allocated,omitempty"`
	CreditsUsed      *float64 `json:"credits_used,omitempty"`
	IsExhausted      *bool    `json:"is_exhausted,omitempty"`
	IPQuota          *ipQuota `json:"ip_quota,omitempty"`
}

// Usage handles GET /v1/usage. A bare identifier is classified as a
// device id or license key by its shape.
func (h *Handler) Usage(c *gin.Context) {
	ctx := c.Request.Context()
	req := identityRequest(c)
	if req.LicenseKey == "" && req.DeviceID == "" {
		if ident := firstNonEmpty(c.Query("identifier")); ident != "" {
			if identity.Classify(ident) == identity.Trial {
				req.DeviceID = ident
			} else {
				req.LicenseKey = ident
			}
		}
	}

	switch {
	case req.LicenseKey != "":
		req.ForceRefresh = c.Query("refresh") == "true"
		id, err := h.deps.Resolver.Resolve(ctx, req)
		if err != nil {
			server.RespondWithError(c, err)
			return
		}
		server.RespondOK(c, usageResponse{Kind: id.Kind.String(), CreditsRemaining: id.CreditsBalance})

	case req.DeviceID != "":
		bal, err := h.deps.Resolver.Devices().GetOrInit(ctx, req.DeviceID)
		if err != nil {
			server.RespondWithError(c, apperrors.Internal(err))
			return
		}
		resp := usageResponse{
			Kind:             identity.Trial.String(),
			CreditsRemaining: bal.CreditsRemaining,
			TotalAllocated:   &bal.TotalAllocated,
			CreditsUsed:      &bal.CreditsUsed,
			IsExhausted:      &bal.IsExhausted,
		}
		if h.deps.Limiter != nil {
			d, err := h.deps.Limiter.Usage(ctx, c.ClientIP())
			if err != nil {
				h.log.WithContext(ctx).Warn("IP usage lookup failed", logger.Fields(
					logger.FieldClientIP, c.ClientIP(), logger.FieldError, err.Error()))
			} else {
				resp.IPQuota = &ipQuota{Used: d.Used, Limit: d.Limit, Remaining: d.Remaining, ResetsAt: d.ResetAt}
			}
		}
		server.RespondOK(c, resp)

	default:
		server.RespondWithError(c, apperrors.MissingIdentifier())
	}
}
