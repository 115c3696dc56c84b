// Package chat is an OpenAI-compatible chat-completions vendor. The same
// adapter serves Cerebras and Groq; presets supply their endpoints and
// prices.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/theramjad/hyperwhisper-fly/internal/correction"
	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/httpclient"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
)

// Config configures one vendor.
type Config struct {
	Name             string        `mapstructure:"name"`
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Model            string        `mapstructure:"model"`
	InputPerMillion  float64       `mapstructure:"input_per_million"`
	OutputPerMillion float64       `mapstructure:"output_per_million"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// Preset returns the defaults for a known vendor name.
func Preset(name string) Config {
	switch name {
	case "cerebras":
		return Config{
			Name:             name,
			BaseURL:          "https://api.cerebras.ai/v1",
			Model:            "gpt-oss-120b",
			InputPerMillion:  0.35,
			OutputPerMillion: 0.75,
		}
	case "groq":
		return Config{
			Name:             name,
			BaseURL:          "https://api.groq.com/openai/v1",
			Model:            "openai/gpt-oss-120b",
			InputPerMillion:  0.15,
			OutputPerMillion: 0.75,
		}
	default:
		return Config{Name: name}
	}
}

// ApplyDefaults fills empty fields from the preset for c.Name.
func (c *Config) ApplyDefaults() {
	p := Preset(c.Name)
	if c.BaseURL == "" {
		c.BaseURL = p.BaseURL
	}
	if c.Model == "" {
		c.Model = p.Model
	}
	if c.InputPerMillion <= 0 {
		c.InputPerMillion = p.InputPerMillion
	}
	if c.OutputPerMillion <= 0 {
		c.OutputPerMillion = p.OutputPerMillion
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Validate checks that the vendor is addressable.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("chat: name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("chat %s: base_url is required", c.Name)
	}
	if c.Model == "" {
		return fmt.Errorf("chat %s: model is required", c.Name)
	}
	return nil
}

// Provider implements correction.Provider.
type Provider struct {
	cfg     Config
	client  *httpclient.Client
	metrics *observability.Collector
	log     *logger.Logger
}

var _ correction.Provider = (*Provider)(nil)

// New creates the provider. A missing API key is reported per call.
func New(cfg Config, metrics *observability.Collector, log *logger.Logger) (*Provider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	hc := httpclient.Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}
	if cfg.APIKey != "" {
		hc.Auth = httpclient.BearerAuth(cfg.APIKey)
	}
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("chat %s client: %w", cfg.Name, err)
	}
	return &Provider{cfg: cfg, client: client, metrics: metrics, log: log.WithComponent("correction." + cfg.Name)}, nil
}

// Name implements correction.Provider.
func (p *Provider) Name() string { return p.cfg.Name }

type completionRequest struct {
	Model           string               `json:"model"`
	Messages        []correction.Message `json:"messages"`
	Temperature     float64              `json:"temperature"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
	Stream          bool                 `json:"stream"`
}

type usageEnvelope struct {
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete posts to /chat/completions.
func (p *Provider) Complete(ctx context.Context, req *correction.ChatRequest) (_ *correction.Completion, err error) {
	if p.cfg.APIKey == "" {
		return nil, apperrors.Configuration(p.cfg.Name + " api key is not set")
	}
	start := time.Now()
	defer func() { p.metrics.ObserveVendor(p.cfg.Name, start, err) }()

	resp, err := p.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/chat/completions",
		Body: completionRequest{
			Model:           p.cfg.Model,
			Messages:        req.Messages,
			Temperature:     req.Temperature,
			MaxTokens:       req.MaxTokens,
			ReasoningEffort: req.ReasoningEffort,
			Stream:          false,
		},
	})
	if err != nil {
		return nil, err
	}

	var body any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("%s: malformed response: %w", p.cfg.Name, err)
	}
	var usage usageEnvelope
	_ = json.Unmarshal(resp.Body, &usage)

	return &correction.Completion{
		Body:             body,
		PromptTokens:     usage.Usage.PromptTokens,
		CompletionTokens: usage.Usage.CompletionTokens,
		CostUSD: pricing.TokenCost(usage.Usage.PromptTokens, usage.Usage.CompletionTokens,
			p.cfg.InputPerMillion, p.cfg.OutputPerMillion),
	}, nil
}
