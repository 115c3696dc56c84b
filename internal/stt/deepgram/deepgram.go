// Package deepgram is the primary STT vendor: prerecorded transcription
// over HTTP and live transcription over a websocket.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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
const Name = "deepgram"

// Config configures the Deepgram vendor.
type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	LiveURL        string        `mapstructure:"live_url"`
	Model          string        `mapstructure:"model"`
	PricePerMinute float64       `mapstructure:"price_per_minute"`
	KeywordBoost   int           `mapstructure:"keyword_boost"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.deepgram.com"
	}
	if c.LiveURL == "" {
		c.LiveURL = "wss://api.deepgram.com"
	}
	if c.Model == "" {
		c.Model = "nova-3"
	}
	if c.PricePerMinute <= 0 {
		c.PricePerMinute = 0.0043
	}
	if c.KeywordBoost <= 0 {
		c.KeywordBoost = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
}

// Provider implements stt.Provider and stt.LiveTranscriber.
type Provider struct {
	cfg     Config
	client  *httpclient.Client
	metrics *observability.Collector
	log     *logger.Logger
}

var (
	_ stt.Provider        = (*Provider)(nil)
	_ stt.LiveTranscriber = (*Provider)(nil)
)

// New creates the provider. A missing API key is reported per call.
func New(cfg Config, metrics *observability.Collector, log *logger.Logger) (*Provider, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	hc := httpclient.Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}
	if cfg.APIKey != "" {
		hc.Auth = httpclient.TokenAuth(cfg.APIKey)
	}
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("deepgram client: %w", err)
	}
	return &Provider{cfg: cfg, client: client, metrics: metrics, log: log.WithComponent("stt.deepgram")}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return Name }

type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends the raw audio body to /v1/listen.
func (p *Provider) Transcribe(ctx context.Context, req *stt.Request) (_ *stt.Result, err error) {
	if p.cfg.APIKey == "" {
		return nil, apperrors.Configuration("deepgram api key is not set")
	}
	start := time.Now()
	defer func() { p.metrics.ObserveVendor(Name, start, err) }()

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var out listenResponse
	_, err = p.client.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/v1/listen",
		Query:   p.query(req.Language, req.Vocabulary, false),
		Headers: map[string]string{"Content-Type": contentType},
		Body:    req.Audio,
	}, &out)
	if err != nil {
		return nil, err
	}

	var text, lang string
	if len(out.Results.Channels) > 0 {
		ch := out.Results.Channels[0]
		lang = ch.DetectedLanguage
		if len(ch.Alternatives) > 0 {
			text = strings.TrimSpace(ch.Alternatives[0].Transcript)
		}
	}
	if lang == "" && !stt.IsAutoLanguage(req.Language) {
		lang = req.Language
	}
	if text == "" {
		return stt.NoSpeechResult(Name, lang), nil
	}

	return &stt.Result{
		Text:             text,
		DetectedLanguage: lang,
		DurationSeconds:  out.Metadata.Duration,
		CostUSD:          pricing.AudioCost(out.Metadata.Duration, p.cfg.PricePerMinute, 0),
		Source:           Name,
	}, nil
}

// query builds listen parameters shared by prerecorded and live calls.
func (p *Provider) query(language string, vocabulary []string, live bool) url.Values {
	q := url.Values{}
	q.Set("model", p.cfg.Model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	if stt.IsAutoLanguage(language) {
		if !live {
			q.Set("detect_language", "true")
		}
	} else {
		q.Set("language", language)
	}
	boost := strconv.Itoa(p.cfg.KeywordBoost)
	for _, term := range stt.VocabularyFor(language, vocabulary) {
		q.Add("keywords", term+":"+boost)
	}
	return q
}

// PricePerMinute is the prerecorded rate.
func (p *Provider) PricePerMinute() float64 { return p.cfg.PricePerMinute }

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", stt.ErrMalformedEvent, err)
	}
	return nil
}
