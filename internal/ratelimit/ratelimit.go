// Package ratelimit enforces the per-IP daily credit quota for trial
// callers and answers advisory IP block lookups.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
)

// Config holds quota settings.
type Config struct {
	DailyCredits float64       `mapstructure:"daily_credits"`
	TTLBuffer    time.Duration `mapstructure:"ttl_buffer"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.DailyCredits <= 0 {
		c.DailyCredits = 200
	}
	if c.TTLBuffer <= 0 {
		c.TTLBuffer = time.Hour
	}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Used      float64
	Limit     float64
	Remaining float64
	ResetAt   time.Time
}

// Limiter tracks credits used per (ip, UTC date).
type Limiter struct {
	store store.Store
	cfg   Config
	now   func() time.Time
	log   *logger.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(s store.Store, cfg Config, log *logger.Logger, opts ...Option) *Limiter {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	l := &Limiter{store: s, cfg: cfg, now: time.Now, log: log.WithComponent("ratelimit")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func usageKey(ip string, day time.Time) string {
	return "ipusage:" + ip + ":" + day.Format("2006-01-02")
}

// nextMidnightUTC returns the start of the next UTC day.
func nextMidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Usage reports today's usage for ip.
func (l *Limiter) Usage(ctx context.Context, ip string) (Decision, error) {
	now := l.now().UTC()
	d := Decision{Limit: l.cfg.DailyCredits, ResetAt: nextMidnightUTC(now)}

	raw, found, err := l.store.Get(ctx, usageKey(ip, now))
	if err != nil {
		return d, err
	}
	if found {
		used, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return d, err
		}
		d.Used = pricing.RoundTenth(used)
	}
	d.Remaining = math.Max(0, pricing.RoundTenth(d.Limit-d.Used))
	d.Allowed = d.Used < d.Limit
	return d, nil
}

// Check reports whether ip may spend estimate more credits today. A store
// failure denies the request.
func (l *Limiter) Check(ctx context.Context, ip string, estimate float64) Decision {
	d, err := l.Usage(ctx, ip)
	if err != nil {
		l.log.WithError(err).Error("IP usage lookup failed, denying", logger.Fields(logger.FieldClientIP, ip))
		d.Allowed = false
		return d
	}
	d.Allowed = d.Used+estimate <= d.Limit+1e-9
	return d
}

// Increment adds credits to today's counter. The key expires an hour
// after the next UTC midnight.
func (l *Limiter) Increment(ctx context.Context, ip string, credits float64) error {
	now := l.now().UTC()
	key := usageKey(ip, now)
	if _, err := l.store.IncrByFloat(ctx, key, credits); err != nil {
		return err
	}
	ttl := nextMidnightUTC(now).Sub(now) + l.cfg.TTLBuffer
	return l.store.Expire(ctx, key, ttl)
}

// Blocklist answers whether an IP has been flagged for abuse. Entries are
// written by operators as ipblock:{ip}.
type Blocklist struct {
	store store.Store
	log   *logger.Logger
}

// NewBlocklist creates a Blocklist.
func NewBlocklist(s store.Store, log *logger.Logger) *Blocklist {
	if log == nil {
		log = logger.Nop()
	}
	return &Blocklist{store: s, log: log.WithComponent("blocklist")}
}

// IsBlocked fails open: a store error reports not blocked.
func (b *Blocklist) IsBlocked(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	blocked, err := b.store.Exists(ctx, blockKey(ip))
	if err != nil {
		b.log.WithError(err).Warn("IP block lookup failed, allowing", logger.Fields(logger.FieldClientIP, ip))
		return false
	}
	return blocked
}

func blockKey(ip string) string {
	return "ipblock:" + ip
}
