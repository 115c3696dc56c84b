// Package license is the client for the remote license authority, which
// owns licensed balances. The gateway validates keys and reports usage;
// it never holds the authoritative balance itself.
package license

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/theramjad/hyperwhisper-fly/internal/httpclient"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
)

// Validation is the authority's verdict for a key.
type Validation struct {
	Valid   bool
	Credits float64
}

// Usage is one charge reported against a license.
type Usage struct {
	LicenseKey string
	Credits    float64
	CostUSD    float64
	Source     string
	Operation  string
	RequestID  string
}

// Authority validates keys and records usage.
type Authority interface {
	Validate(ctx context.Context, licenseKey string) (Validation, error)
	// RecordUsage returns the new balance when the authority reports one.
	RecordUsage(ctx context.Context, u Usage) (*float64, error)
}

// Config configures the HTTP authority client.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RetryAttempts bounds attempts per call on 5xx, 429, timeouts and
	// connection failures. 1 disables retry.
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
}

type validateResponse struct {
	Valid            bool     `json:"valid"`
	CreditsRemaining *float64 `json:"credits_remaining"`
	Credits          *float64 `json:"credits"`
}

type usageRequest struct {
	LicenseKey string  `json:"license_key"`
	Credits    float64 `json:"credits_used"`
	CostUSD    float64 `json:"cost_usd"`
	Source     string  `json:"source,omitempty"`
	Operation  string  `json:"operation,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

type usageResponse struct {
	CreditsRemaining *float64 `json:"credits_remaining"`
}

// Client is the HTTP Authority.
type Client struct {
	http    *httpclient.Client
	metrics *observability.Collector
	log     *logger.Logger
}

var _ Authority = (*Client)(nil)

// NewClient builds the authority client. Transient failures are retried at
// the transport; whatever still fails after the last attempt fails closed
// at the caller.
func NewClient(cfg Config, metrics *observability.Collector, log *logger.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("license: base_url is required")
	}
	retry := httpclient.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryAttempts
	retry.InitialBackoff = cfg.RetryBackoff
	hc, err := httpclient.New(httpclient.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Auth:    httpclient.BearerAuth(cfg.APIKey),
		Retry:   retry,
	})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{http: hc, metrics: metrics, log: log.WithComponent("license")}, nil
}

// Validate asks the authority whether licenseKey is valid. A 4xx answer
// other than 429 is a definitive "invalid"; anything else is an error.
func (c *Client) Validate(ctx context.Context, licenseKey string) (v Validation, err error) {
	ctx, span := observability.StartSpan(ctx, "license.validate")
	start := time.Now()
	defer func() {
		c.metrics.ObserveVendor("license", start, err)
		observability.EndSpan(span, err)
	}()

	var out validateResponse
	_, err = c.http.DoJSON(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/licenses/validate",
		Body:   validateRequest{LicenseKey: licenseKey},
	}, &out)
	if err != nil {
		status := httpclient.StatusCode(err)
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return Validation{Valid: false}, nil
		}
		return Validation{}, fmt.Errorf("license validate: %w", err)
	}

	v.Valid = out.Valid
	switch {
	case out.CreditsRemaining != nil:
		v.Credits = *out.CreditsRemaining
	case out.Credits != nil:
		v.Credits = *out.Credits
	}
	return v, nil
}

// RecordUsage reports a charge.
func (c *Client) RecordUsage(ctx context.Context, u Usage) (balance *float64, err error) {
	ctx, span := observability.StartSpan(ctx, "license.usage")
	start := time.Now()
	defer func() {
		c.metrics.ObserveVendor("license", start, err)
		observability.EndSpan(span, err)
	}()

	var headers map[string]string
	if u.RequestID != "" {
		// Retried reports must not be counted twice.
		headers = map[string]string{"Idempotency-Key": u.RequestID}
	}
	var out usageResponse
	_, err = c.http.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    "/licenses/usage",
		Headers: headers,
		Body: usageRequest{
			LicenseKey: u.LicenseKey,
			Credits:    u.Credits,
			CostUSD:    u.CostUSD,
			Source:     u.Source,
			Operation:  u.Operation,
			RequestID:  u.RequestID,
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("license usage: %w", err)
	}
	return out.CreditsRemaining, nil
}
