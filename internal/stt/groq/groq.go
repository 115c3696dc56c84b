// Package groq is the secondary STT vendor: Whisper large-v3 turbo behind
// an OpenAI-compatible transcription endpoint.
package groq

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/httpclient"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

// Name is the vendor name used for selection and billing.
const Name = "groq"

const defaultMinBillableSeconds = 10.0

// Config configures the Groq vendor.
type Config struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	PricePerMinute float64 `mapstructure:"price_per_minute"`
	// MinBillableSeconds is the vendor's minimum charge per request. Unset
	// means 10; an explicit 0 bills actual duration.
	MinBillableSeconds *float64      `mapstructure:"min_billable_seconds"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Model == "" {
		c.Model = "whisper-large-v3-turbo"
	}
	if c.PricePerMinute <= 0 {
		c.PricePerMinute = 0.04 / 60
	}
	if c.MinBillableSeconds == nil {
		minimum := defaultMinBillableSeconds
		c.MinBillableSeconds = &minimum
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
}

// Provider implements stt.Provider.
type Provider struct {
	cfg     Config
	client  *httpclient.Client
	metrics *observability.Collector
	log     *logger.Logger
}

// New creates the provider.
func New(cfg Config, metrics *observability.Collector, log *logger.Logger) (*Provider, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	hc := httpclient.Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}
	if cfg.APIKey != "" {
		hc.Auth = httpclient.BearerAuth(cfg.APIKey)
	}
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("groq client: %w", err)
	}
	return &Provider{cfg: cfg, client: client, metrics: metrics, log: log.WithComponent("stt.groq")}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return Name }

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe uploads the audio as multipart form data. Vocabulary is sent
// as the prompt, which Whisper uses as spelling context.
func (p *Provider) Transcribe(ctx context.Context, req *stt.Request) (_ *stt.Result, err error) {
	if p.cfg.APIKey == "" {
		return nil, apperrors.Configuration("groq api key is not set")
	}
	start := time.Now()
	defer func() { p.metrics.ObserveVendor(Name, start, err) }()

	body := &httpclient.MultipartBody{
		Fields: []httpclient.FormField{
			{Name: "model", Value: p.cfg.Model},
			{Name: "response_format", Value: "verbose_json"},
			{Name: "temperature", Value: "0"},
		},
		Files: []httpclient.FileField{{
			FieldName:   "file",
			FileName:    "audio" + stt.FileExtension(req.ContentType),
			ContentType: req.ContentType,
			Data:        req.Audio,
		}},
	}
	if !stt.IsAutoLanguage(req.Language) {
		body.Fields = append(body.Fields, httpclient.FormField{Name: "language", Value: req.Language})
	}
	if terms := stt.VocabularyFor(req.Language, req.Vocabulary); len(terms) > 0 {
		body.Fields = append(body.Fields, httpclient.FormField{Name: "prompt", Value: strings.Join(terms, ", ")})
	}

	var out transcriptionResponse
	if _, err = p.client.DoJSON(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/audio/transcriptions",
		Body:   body,
	}, &out); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return stt.NoSpeechResult(Name, out.Language), nil
	}
	return &stt.Result{
		Text:             text,
		DetectedLanguage: out.Language,
		DurationSeconds:  out.Duration,
		CostUSD:          pricing.AudioCost(out.Duration, p.cfg.PricePerMinute, *p.cfg.MinBillableSeconds),
		Source:           Name,
	}, nil
}
