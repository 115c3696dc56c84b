// Package api exposes the gateway's public HTTP surface. Every billable
// route follows the same admission order: resolve identity, check the IP
// blocklist, estimate, validate, call the vendor, then schedule the charge
// without waiting for it.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/theramjad/hyperwhisper-fly/internal/correction"
	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/ratelimit"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
	"github.com/theramjad/hyperwhisper-fly/internal/streaming"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

// Config bounds inbound requests.
type Config struct {
	MaxAudioBytes int64 `mapstructure:"max_audio_bytes" validate:"gte=0"`
	MaxTextChars  int   `mapstructure:"max_text_chars" validate:"gte=0"`
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes" validate:"gte=0"`
	// StreamMinCredits is what a caller must be able to afford to open a
	// live session.
	StreamMinCredits float64 `mapstructure:"stream_min_credits" validate:"gte=0"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = 100 << 20
	}
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = 50_000
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	if c.StreamMinCredits <= 0 {
		c.StreamMinCredits = 1
	}
}

// Billing is the part of the credit ledger the handlers use.
type Billing interface {
	EstimateCredits(hint ledger.SizeHint) float64
	Validate(ctx context.Context, id identity.Identity, estimate float64, ip string) error
	Deduct(ctx context.Context, id identity.Identity, costUSD float64, ip string, u ledger.Usage) float64
}

// Transcriber runs prerecorded transcriptions.
type Transcriber interface {
	Transcribe(ctx context.Context, selection string, req *stt.Request) (*stt.Result, error)
}

// Corrector runs text corrections.
type Corrector interface {
	Correct(ctx context.Context, req correction.Request) (*correction.Result, error)
}

// Deps are the handlers' collaborators.
type Deps struct {
	Resolver  *identity.Resolver
	Billing   Billing
	Limiter   *ratelimit.Limiter
	Blocklist *ratelimit.Blocklist
	STT       Transcriber
	Corrector Corrector
	Streams   *streaming.Manager
}

// Handler serves the /v1 routes.
type Handler struct {
	deps     Deps
	cfg      Config
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// New creates the handler.
func New(deps Deps, cfg Config, log *logger.Logger) *Handler {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			// Desktop clients send no Origin; browsers are not a supported caller.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.WithComponent("api"),
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/transcribe", h.Transcribe)
	v1.POST("/correct", h.Correct)
	v1.GET("/usage", h.Usage)
	v1.GET("/stream", h.Stream)
}

// identityRequest reads identifiers from headers, falling back to the query.
func identityRequest(c *gin.Context) identity.Request {
	return identity.Request{
		LicenseKey: firstNonEmpty(c.GetHeader("X-License-Key"), c.Query("license_key")),
		DeviceID:   firstNonEmpty(c.GetHeader("X-Device-ID"), c.Query("device_id")),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// admit resolves the caller and checks they can afford the request.
func (h *Handler) admit(c *gin.Context, req identity.Request, estimate func() float64) (identity.Identity, error) {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	id, err := h.deps.Resolver.Resolve(ctx, req)
	if err != nil {
		return identity.Identity{}, err
	}
	if h.deps.Blocklist != nil && h.deps.Blocklist.IsBlocked(ctx, ip) {
		return identity.Identity{}, apperrors.IPBlocked()
	}
	if err := h.deps.Billing.Validate(ctx, id, estimate(), ip); err != nil {
		return identity.Identity{}, err
	}
	return id, nil
}

// charge schedules a deduction for a positive cost and returns the credits
// it will take.
func (h *Handler) charge(c *gin.Context, id identity.Identity, costUSD float64, source, operation string) float64 {
	if costUSD <= 0 {
		return 0
	}
	return h.deps.Billing.Deduct(c.Request.Context(), id, costUSD, c.ClientIP(), ledger.Usage{
		RequestID: server.RequestID(c),
		Source:    source,
		Operation: operation,
	})
}

func setCostHeaders(c *gin.Context, costUSD, credits float64) {
	c.Header("X-Cost-USD", strconv.FormatFloat(costUSD, 'f', 6, 64))
	c.Header("X-Credits-Used", strconv.FormatFloat(credits, 'f', 1, 64))
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apperrors.PayloadTooLarge(mbe.Limit)
	}
	return apperrors.InvalidInput("body", "could not read request body")
}
