// Package stt routes prerecorded transcription requests to one of three
// vendors and defines the live-streaming contract the Deepgram adapter
// implements.
//
// Selection is by vendor name or by role (primary, secondary, tertiary).
// There is exactly one fallback path: a secondary call refused at the
// vendor's network edge is retried once against the primary.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/httpclient"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
)

// Request is one prerecorded transcription.
type Request struct {
	Audio       []byte
	ContentType string
	// Language is an ISO code, or empty/"auto" for detection.
	Language   string
	Vocabulary []string
	RequestID  string
}

// Result is a vendor's transcription. NoSpeech results carry no cost.
type Result struct {
	Text             string
	DetectedLanguage string
	DurationSeconds  float64
	CostUSD          float64
	Source           string
	NoSpeech         bool
}

// Provider is a prerecorded transcription vendor.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req *Request) (*Result, error)
}

// NoSpeechResult is returned when the vendor heard nothing.
func NoSpeechResult(source, language string) *Result {
	return &Result{Source: source, DetectedLanguage: language, NoSpeech: true}
}

// Role names accepted as selectors.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
	RoleTertiary  = "tertiary"
)

// Config names the vendor for each role.
type Config struct {
	Primary           string `mapstructure:"primary"`
	Secondary         string `mapstructure:"secondary"`
	Tertiary          string `mapstructure:"tertiary"`
	Default           string `mapstructure:"default"`
	EdgeBlockedStatus int    `mapstructure:"edge_blocked_status"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.Primary == "" {
		c.Primary = "deepgram"
	}
	if c.Secondary == "" {
		c.Secondary = "groq"
	}
	if c.Tertiary == "" {
		c.Tertiary = "elevenlabs"
	}
	if c.Default == "" {
		c.Default = RolePrimary
	}
	if c.EdgeBlockedStatus == 0 {
		c.EdgeBlockedStatus = 403
	}
}

// Orchestrator selects a provider and applies the fallback policy.
type Orchestrator struct {
	cfg       Config
	providers map[string]Provider
	metrics   *observability.Collector
	log       *logger.Logger
}

// NewOrchestrator registers providers by Name. Role names in cfg must refer
// to registered providers.
func NewOrchestrator(cfg Config, metrics *observability.Collector, log *logger.Logger, providers ...Provider) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providers)),
		metrics:   metrics,
		log:       log.WithComponent("stt"),
	}
	for _, p := range providers {
		o.providers[p.Name()] = p
	}
	for role, name := range map[string]string{RolePrimary: cfg.Primary, RoleSecondary: cfg.Secondary, RoleTertiary: cfg.Tertiary} {
		if _, ok := o.providers[name]; !ok {
			return nil, fmt.Errorf("stt: %s provider %q is not registered", role, name)
		}
	}
	if _, ok := o.lookup(cfg.Default); !ok {
		return nil, fmt.Errorf("stt: default provider %q is not registered", cfg.Default)
	}
	return o, nil
}

func (o *Orchestrator) lookup(selection string) (Provider, bool) {
	switch s := strings.ToLower(strings.TrimSpace(selection)); s {
	case RolePrimary:
		return o.providers[o.cfg.Primary], true
	case RoleSecondary:
		return o.providers[o.cfg.Secondary], true
	case RoleTertiary:
		return o.providers[o.cfg.Tertiary], true
	default:
		p, ok := o.providers[s]
		return p, ok
	}
}

// Select resolves a vendor name or role alias. Empty or unknown selections
// resolve to the default provider.
func (o *Orchestrator) Select(selection string) Provider {
	if selection != "" {
		if p, ok := o.lookup(selection); ok {
			return p
		}
		o.log.Warn("Unknown STT provider requested, using default", logger.Fields("requested", selection, "default", o.cfg.Default))
	}
	p, _ := o.lookup(o.cfg.Default)
	return p
}

// Primary returns the primary provider.
func (o *Orchestrator) Primary() Provider { return o.providers[o.cfg.Primary] }

// Transcribe runs req on the selected provider.
func (o *Orchestrator) Transcribe(ctx context.Context, selection string, req *Request) (*Result, error) {
	p := o.Select(selection)
	res, err := o.call(ctx, p, req)
	if err == nil {
		return res, nil
	}

	classified := o.classify(p.Name(), err)
	if p.Name() != o.cfg.Secondary || !isEdgeBlocked(classified) {
		return nil, classified
	}

	primary := o.Primary()
	o.log.WithContext(ctx).Warn("Secondary STT provider edge-blocked, falling back", logger.Fields(
		logger.FieldVendor, p.Name(), "fallback", primary.Name()))
	o.metrics.Fallback(p.Name(), primary.Name(), "edge_blocked")

	res, err = o.call(ctx, primary, req)
	if err != nil {
		return nil, o.classify(primary.Name(), err)
	}
	res.Source = primary.Name()
	return res, nil
}

func (o *Orchestrator) call(ctx context.Context, p Provider, req *Request) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "stt.transcribe",
		observability.AttrVendor.String(p.Name()),
		observability.AttrRequestID.String(req.RequestID),
	)
	defer func() { observability.EndSpan(span, err) }()

	res, err = p.Transcribe(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Source == "" {
		res.Source = p.Name()
	}
	if res.NoSpeech {
		res.Text, res.CostUSD, res.DurationSeconds = "", 0, 0
	}
	return res, nil
}

// classify maps a vendor error to the gateway taxonomy. Configuration
// errors pass through untouched.
func (o *Orchestrator) classify(vendor string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	status := httpclient.StatusCode(err)
	if status == o.cfg.EdgeBlockedStatus {
		return apperrors.UpstreamEdgeBlocked(vendor, status, err)
	}
	return apperrors.UpstreamProvider(vendor, status, err)
}

func isEdgeBlocked(err error) bool {
	return apperrors.HasCode(err, apperrors.ErrCodeUpstreamEdgeBlocked)
}

// FileExtension guesses an upload file name suffix from a content type.
// Multipart vendors sniff the container from it.
func FileExtension(contentType string) string {
	mt, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(mt) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "video/mp4":
		return ".m4a"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	default:
		return ".bin"
	}
}
