// Package correction rewrites transcripts with a chat-completion vendor.
//
// The primary vendor is retried on transient failures and, if it still
// fails with a server error, the secondary takes over with its own retry
// budget. Output that echoes prompt scaffolding is re-issued once to the
// other vendor; if that also fails the caller gets their input back.
package correction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/httpclient"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/resilience"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the vendor-neutral completion request.
type ChatRequest struct {
	Messages        []Message
	Temperature     float64
	MaxTokens       int
	ReasoningEffort string
	RequestID       string
}

// Completion is a vendor response. Body is the decoded JSON document,
// handed to ExtractText.
type Completion struct {
	Body             any
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Provider is a chat-completion vendor.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest) (*Completion, error)
}

// Config holds orchestration settings.
type Config struct {
	MaxOutputTokens  int           `mapstructure:"max_output_tokens"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	PrimaryAttempts  int           `mapstructure:"primary_attempts"`
	FallbackAttempts int           `mapstructure:"fallback_attempts"`
	ReasoningEffort  string        `mapstructure:"reasoning_effort"`
	SystemPrompt     string        `mapstructure:"system_prompt"`
	LeakageMarkers   []string      `mapstructure:"leakage_markers"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 4096
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.PrimaryAttempts <= 0 {
		c.PrimaryAttempts = 2
	}
	if c.FallbackAttempts <= 0 {
		c.FallbackAttempts = 3
	}
	if c.ReasoningEffort == "" {
		c.ReasoningEffort = "low"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if len(c.LeakageMarkers) == 0 {
		c.LeakageMarkers = DefaultLeakageMarkers()
	}
}

// Request is one correction.
type Request struct {
	Text        string
	Instruction string
	RequestID   string
}

// Result is the corrected text and what it cost.
type Result struct {
	Text            string
	CostUSD         float64
	Source          string
	FallbackUsed    bool
	LeakageDetected bool
	// Attempts counts vendor calls across both vendors.
	Attempts int
}

// Orchestrator runs corrections against a primary and secondary vendor.
type Orchestrator struct {
	cfg       Config
	primary   Provider
	secondary Provider
	metrics   *observability.Collector
	log       *logger.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, primary, secondary Provider, metrics *observability.Collector, log *logger.Logger) *Orchestrator {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{cfg: cfg, primary: primary, secondary: secondary, metrics: metrics, log: log.WithComponent("correction")}
}

// Correct applies req.Instruction to req.Text.
func (o *Orchestrator) Correct(ctx context.Context, req Request) (*Result, error) {
	chat := &ChatRequest{
		Messages:        BuildMessages(o.cfg.SystemPrompt, req.Instruction, req.Text),
		Temperature:     0,
		MaxTokens:       o.cfg.MaxOutputTokens,
		ReasoningEffort: o.cfg.ReasoningEffort,
		RequestID:       req.RequestID,
	}
	log := o.log.WithContext(ctx)
	res := &Result{}

	provider := o.primary
	comp, err := o.run(ctx, provider, o.cfg.PrimaryAttempts, chat, res)
	if err != nil {
		if !isServerClass(err) {
			return nil, classify(provider.Name(), err)
		}
		log.Warn("Primary correction vendor failed, falling back", logger.Fields(
			logger.FieldVendor, provider.Name(), "fallback", o.secondary.Name(), logger.FieldError, err.Error()))
		o.metrics.Fallback(provider.Name(), o.secondary.Name(), "server_error")

		provider = o.secondary
		res.FallbackUsed = true
		if comp, err = o.run(ctx, provider, o.cfg.FallbackAttempts, chat, res); err != nil {
			return nil, classify(provider.Name(), err)
		}
	}
	res.CostUSD += comp.CostUSD
	res.Source = provider.Name()

	text, err := ExtractText(comp.Body)
	if err != nil {
		return nil, apperrors.TranscriptExtraction(provider.Name()).WithCause(err)
	}
	text = StripMarkers(text)
	if !DetectLeakage(text, o.cfg.LeakageMarkers) {
		res.Text = text
		return res, nil
	}

	res.LeakageDetected = true
	if o.metrics != nil {
		o.metrics.LeakageDetected.WithLabelValues(provider.Name()).Inc()
	}
	alternate, attempts := o.alternate(provider)
	log.Warn("Prompt leakage in correction output, re-issuing", logger.Fields(
		logger.FieldVendor, provider.Name(), "alternate", alternate.Name()))

	res.Text = req.Text
	comp, err = o.run(ctx, alternate, attempts, chat, res)
	if err != nil {
		log.Warn("Alternate correction vendor failed, returning input", logger.Fields(
			logger.FieldVendor, alternate.Name(), logger.FieldError, err.Error()))
		return res, nil
	}
	res.CostUSD += comp.CostUSD

	text, err = ExtractText(comp.Body)
	if err != nil {
		return res, nil
	}
	text = StripMarkers(text)
	if DetectLeakage(text, o.cfg.LeakageMarkers) {
		if o.metrics != nil {
			o.metrics.LeakageDetected.WithLabelValues(alternate.Name()).Inc()
		}
		log.Warn("Alternate correction output also leaked, returning input")
		return res, nil
	}
	res.Text = text
	res.Source = alternate.Name()
	return res, nil
}

func (o *Orchestrator) alternate(p Provider) (Provider, int) {
	if p.Name() == o.primary.Name() {
		return o.secondary, o.cfg.FallbackAttempts
	}
	return o.primary, o.cfg.PrimaryAttempts
}

// run calls p with up to attempts tries and exponential backoff.
func (o *Orchestrator) run(ctx context.Context, p Provider, attempts int, req *ChatRequest, res *Result) (*Completion, error) {
	retry := resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: o.cfg.BaseDelay,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2,
		RetryIf:        isRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			o.log.WithContext(ctx).Warn("Correction attempt failed, retrying", logger.Fields(
				logger.FieldVendor, p.Name(), "attempt", attempt, "backoff", backoff.String(), logger.FieldError, err.Error()))
		},
	}
	return resilience.Retry(ctx, retry, func(ctx context.Context) (comp *Completion, err error) {
		res.Attempts++
		ctx, span := observability.StartSpan(ctx, "correction.complete",
			observability.AttrVendor.String(p.Name()),
			observability.AttrRequestID.String(req.RequestID),
		)
		defer func() { observability.EndSpan(span, err) }()
		return p.Complete(ctx, req)
	})
}

var serverStatusPattern = regexp.MustCompile(`\b5\d\d\b`)

// statusOf returns the vendor HTTP status from a typed error, falling back
// to a 5xx code mentioned in the message.
func statusOf(err error) int {
	if s := httpclient.StatusCode(err); s > 0 {
		return s
	}
	if m := serverStatusPattern.FindString(err.Error()); m != "" {
		var s int
		_, _ = fmt.Sscanf(m, "%d", &s)
		return s
	}
	return 0
}

func isServerClass(err error) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return false
	}
	if httpclient.IsServerError(err) {
		return true
	}
	s := statusOf(err)
	return s >= 500 && s <= 599
}

func isRetryable(err error) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return httpclient.IsRetryable(err) || isServerClass(err)
}

func classify(vendor string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.UpstreamProvider(vendor, httpclient.StatusCode(err), err)
}
