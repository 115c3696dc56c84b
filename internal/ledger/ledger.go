// Package ledger gates billable requests on credit balances and schedules
// the charges that follow them.
//
// Pre-flight checks (Validate) run on the request path. Charges (Deduct)
// are handed to a bounded background Dispatcher so responses never wait on
// billing; a charge that cannot be queued is dropped, logged and counted.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/license"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/ratelimit"
)

// SizeKind tells EstimateCredits how to read a SizeHint.
type SizeKind int

const (
	Audio SizeKind = iota
	Text
)

// SizeHint describes a request before the vendor has seen it. Bytes is the
// audio body length for Audio and the character count for Text.
type SizeHint struct {
	Bytes int64
	Kind  SizeKind
}

// Config holds estimation and dispatch settings.
type Config struct {
	BytesPerMinute              int64         `mapstructure:"bytes_per_minute"`
	EstimateUSDPerMinute        float64       `mapstructure:"estimate_usd_per_minute"`
	EstimateUSDPerMillionTokens float64       `mapstructure:"estimate_usd_per_million_tokens"`
	MaxOutputTokens             int           `mapstructure:"max_output_tokens"`
	QueueSize                   int           `mapstructure:"queue_size"`
	Workers                     int           `mapstructure:"workers"`
	ApplyTimeout                time.Duration `mapstructure:"apply_timeout"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.BytesPerMinute <= 0 {
		// 64 kbit/s, lower than any supported codec at speech quality,
		// so the estimate errs high.
		c.BytesPerMinute = 480_000
	}
	if c.EstimateUSDPerMinute <= 0 {
		c.EstimateUSDPerMinute = 0.0077
	}
	if c.EstimateUSDPerMillionTokens <= 0 {
		c.EstimateUSDPerMillionTokens = 1.2
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 4096
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 10 * time.Second
	}
}

// Usage describes what a charge paid for.
type Usage struct {
	RequestID string
	Source    string
	Operation string
}

// Charge is one scheduled deduction.
type Charge struct {
	Identity identity.Identity
	IP       string
	Credits  float64
	CostUSD  float64
	Usage    Usage
	At       time.Time
}

// LicenseCache is refreshed when the authority reports a new balance.
type LicenseCache interface {
	RefreshLicenseCache(ctx context.Context, key string, credits float64) error
}

// Deps are the collaborators a Ledger charges against. Authority, Licenses
// and Sink may be nil.
type Deps struct {
	Pricing   pricing.Model
	Devices   *identity.Devices
	Limiter   *ratelimit.Limiter
	Authority license.Authority
	Licenses  LicenseCache
	Sink      UsageSink
	Metrics   *observability.Collector
}

// Ledger validates and deducts credits.
type Ledger struct {
	deps       Deps
	cfg        Config
	dispatcher *Dispatcher
	now        func() time.Time
	log        *logger.Logger
}

// New creates a Ledger and its dispatcher. The dispatcher must be started
// (it is a component) before charges are applied.
func New(deps Deps, cfg Config, log *logger.Logger) *Ledger {
	cfg.ApplyDefaults()
	deps.Pricing.ApplyDefaults()
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if log == nil {
		log = logger.Nop()
	}
	l := &Ledger{deps: deps, cfg: cfg, now: time.Now, log: log.WithComponent("ledger")}
	l.dispatcher = NewDispatcher(l.apply, cfg, deps.Metrics, log)
	return l
}

// Dispatcher returns the background charge queue.
func (l *Ledger) Dispatcher() *Dispatcher { return l.dispatcher }

// Pricing returns the credit conversion in use.
func (l *Ledger) Pricing() pricing.Model { return l.deps.Pricing }

// EstimateCredits returns a pre-flight credit ceiling for a request of the
// given size. It never under-estimates and is at least 0.1.
func (l *Ledger) EstimateCredits(hint SizeHint) float64 {
	size := math.Max(0, float64(hint.Bytes))
	var usd float64
	switch hint.Kind {
	case Text:
		tokens := math.Ceil(size/4) + float64(l.cfg.MaxOutputTokens)
		usd = tokens / 1e6 * l.cfg.EstimateUSDPerMillionTokens
	default:
		minutes := size / float64(l.cfg.BytesPerMinute)
		usd = minutes * l.cfg.EstimateUSDPerMinute
	}
	return l.deps.Pricing.CeilCredits(usd)
}

// Validate checks that the caller can afford estimate. Trial callers are
// also checked against the per-IP daily quota.
func (l *Ledger) Validate(ctx context.Context, id identity.Identity, estimate float64, ip string) error {
	switch id.Kind {
	case identity.Licensed:
		if id.CreditsBalance < estimate {
			return apperrors.InsufficientCredits(id.CreditsBalance, estimate)
		}
		return nil

	case identity.Trial:
		if id.CreditsBalance < pricing.MinCredits || id.CreditsBalance < estimate {
			return apperrors.DeviceCreditsExhausted(id.CreditsBalance, estimate)
		}
		if l.deps.Limiter == nil {
			return nil
		}
		d := l.deps.Limiter.Check(ctx, ip, estimate)
		if !d.Allowed {
			if l.deps.Metrics != nil {
				l.deps.Metrics.RateLimited.Inc()
			}
			return apperrors.IPRateLimited(d.Used, d.Limit, d.ResetAt)
		}
		return nil

	default:
		return apperrors.MissingIdentifier()
	}
}

// Deduct converts costUSD to credits and schedules the charge. It returns
// the credits charged; zero means nothing was scheduled.
func (l *Ledger) Deduct(ctx context.Context, id identity.Identity, costUSD float64, ip string, u Usage) float64 {
	credits := l.deps.Pricing.CreditsForCost(costUSD)
	if credits == 0 {
		return 0
	}
	if u.RequestID == "" {
		u.RequestID = logger.RequestIDFromContext(ctx)
	}
	l.dispatcher.Submit(Charge{
		Identity: id,
		IP:       ip,
		Credits:  credits,
		CostUSD:  pricing.RoundUSD(costUSD),
		Usage:    u,
		At:       l.now().UTC(),
	})
	return credits
}

// Apply performs a charge synchronously. Each side effect is attempted
// independently; failures are logged, counted and joined into the result.
func (l *Ledger) Apply(ctx context.Context, c Charge) error {
	return l.apply(ctx, c)
}

func (l *Ledger) apply(ctx context.Context, c Charge) error {
	log := l.log.WithFields(logger.Fields(
		logger.FieldRequestID, c.Usage.RequestID,
		logger.FieldIdentity, c.Identity.Kind.String(),
		logger.FieldCredits, c.Credits,
	))

	var errs []error
	fail := func(target string, err error) {
		errs = append(errs, err)
		log.Error("Billing side effect failed", logger.Fields("target", target, logger.FieldError, err.Error()))
		if l.deps.Metrics != nil {
			l.deps.Metrics.BillingFailures.WithLabelValues(target).Inc()
		}
	}

	switch c.Identity.Kind {
	case identity.Licensed:
		if err := l.recordLicenseUsage(ctx, c); err != nil {
			fail("license", err)
		}
	case identity.Trial:
		// Two independent writes; one can succeed while the other fails.
		if c.IP != "" && l.deps.Limiter != nil {
			if err := l.deps.Limiter.Increment(ctx, c.IP, c.Credits); err != nil {
				fail("ip_usage", err)
			}
		}
		if l.deps.Devices != nil {
			if _, err := l.deps.Devices.Deduct(ctx, c.Identity.Identifier, c.Credits); err != nil {
				fail("device", err)
			}
		}
	default:
		return errors.New("charge has no identity")
	}

	if l.deps.Metrics != nil {
		l.deps.Metrics.CreditsDeducted.WithLabelValues(c.Identity.Kind.String()).Add(c.Credits)
	}
	if err := l.deps.Sink.Publish(ctx, newUsageEvent(c)); err != nil {
		fail("usage_sink", err)
	}

	log.Debug("Charge applied", logger.Fields(logger.FieldCostUSD, c.CostUSD, "source", c.Usage.Source))
	return errors.Join(errs...)
}

func (l *Ledger) recordLicenseUsage(ctx context.Context, c Charge) error {
	if l.deps.Authority == nil {
		return errors.New("no license authority configured")
	}
	balance, err := l.deps.Authority.RecordUsage(ctx, license.Usage{
		LicenseKey: c.Identity.Identifier,
		Credits:    c.Credits,
		CostUSD:    c.CostUSD,
		Source:     c.Usage.Source,
		Operation:  c.Usage.Operation,
		RequestID:  c.Usage.RequestID,
	})
	if err != nil {
		return err
	}
	if balance != nil && l.deps.Licenses != nil {
		if err := l.deps.Licenses.RefreshLicenseCache(ctx, c.Identity.Identifier, *balance); err != nil {
			l.log.Warn("License cache refresh failed", logger.Fields(logger.FieldError, err.Error()))
		}
	}
	return nil
}
