// Package elevenlabs is the tertiary STT vendor (Scribe).
package elevenlabs

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
const Name = "elevenlabs"

// Config configures the ElevenLabs vendor.
type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	PricePerMinute float64       `mapstructure:"price_per_minute"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.elevenlabs.io"
	}
	if c.Model == "" {
		c.Model = "scribe_v1"
	}
	if c.PricePerMinute <= 0 {
		c.PricePerMinute = 0.40 / 60
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
		hc.Auth = httpclient.APIKeyAuthHeader(cfg.APIKey, "xi-api-key")
	}
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs client: %w", err)
	}
	return &Provider{cfg: cfg, client: client, metrics: metrics, log: log.WithComponent("stt.elevenlabs")}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return Name }

type word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type scribeResponse struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
	Words        []word `json:"words"`
}

// duration is the end of the last timed word; Scribe reports no total.
func (r *scribeResponse) duration() float64 {
	var d float64
	for _, w := range r.Words {
		d = max(d, w.End)
	}
	return d
}

// Transcribe uploads the audio to /v1/speech-to-text.
func (p *Provider) Transcribe(ctx context.Context, req *stt.Request) (_ *stt.Result, err error) {
	if p.cfg.APIKey == "" {
		return nil, apperrors.Configuration("elevenlabs api key is not set")
	}
	start := time.Now()
	defer func() { p.metrics.ObserveVendor(Name, start, err) }()

	body := &httpclient.MultipartBody{
		Fields: []httpclient.FormField{{Name: "model_id", Value: p.cfg.Model}},
		Files: []httpclient.FileField{{
			FieldName:   "file",
			FileName:    "audio" + stt.FileExtension(req.ContentType),
			ContentType: req.ContentType,
			Data:        req.Audio,
		}},
	}
	if !stt.IsAutoLanguage(req.Language) {
		body.Fields = append(body.Fields, httpclient.FormField{Name: "language_code", Value: req.Language})
	}

	var out scribeResponse
	if _, err = p.client.DoJSON(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/v1/speech-to-text",
		Body:   body,
	}, &out); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return stt.NoSpeechResult(Name, out.LanguageCode), nil
	}
	d := out.duration()
	return &stt.Result{
		Text:             text,
		DetectedLanguage: out.LanguageCode,
		DurationSeconds:  d,
		CostUSD:          pricing.AudioCost(d, p.cfg.PricePerMinute, 0),
		Source:           Name,
	}, nil
}
