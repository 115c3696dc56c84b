// Package identity resolves a caller's license key or device id into an
// Identity with a credit balance.
//
// Licensed callers are validated against the remote authority through a
// TTL-bounded cache that stores both positive and negative outcomes. Trial
// callers are identified by a device id whose balance lives in the store
// and is allocated on first use.
package identity

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/license"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
)

// Kind distinguishes licensed callers from trial devices.
type Kind int

const (
	Licensed Kind = iota + 1
	Trial
)

func (k Kind) String() string {
	switch k {
	case Licensed:
		return "licensed"
	case Trial:
		return "trial"
	default:
		return "unknown"
	}
}

// Identity is derived per request and never persisted.
type Identity struct {
	Kind           Kind
	Identifier     string
	CreditsBalance float64
}

// CachedLicense is the license cache entry.
type CachedLicense struct {
	IsValid  bool      `json:"is_valid"`
	Credits  float64   `json:"credits"`
	CachedAt time.Time `json:"cached_at"`
}

// Request carries the raw identifiers from a caller.
type Request struct {
	LicenseKey string
	DeviceID   string
	// ForceRefresh bypasses the license cache.
	ForceRefresh bool
}

// Config holds identity settings.
type Config struct {
	LicenseCacheTTL      time.Duration `mapstructure:"license_cache_ttl"`
	DeviceInitialCredits float64       `mapstructure:"device_initial_credits"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.LicenseCacheTTL <= 0 {
		c.LicenseCacheTTL = 5 * time.Minute
	}
	if c.DeviceInitialCredits <= 0 {
		c.DeviceInitialCredits = 100
	}
}

// Resolver resolves identities.
type Resolver struct {
	store     store.Store
	authority license.Authority
	devices   *Devices
	cfg       Config
	now       func() time.Time
	log       *logger.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides time.Now for cache timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
		r.devices.now = now
	}
}

// NewResolver creates a resolver. authority may be nil when no license
// authority is configured; every license then resolves as invalid.
func NewResolver(s store.Store, authority license.Authority, cfg Config, log *logger.Logger, opts ...Option) *Resolver {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("identity")
	r := &Resolver{
		store:     s,
		authority: authority,
		devices:   NewDevices(s, cfg.DeviceInitialCredits, log),
		cfg:       cfg,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Devices returns the device balance repository.
func (r *Resolver) Devices() *Devices {
	return r.devices
}

// Resolve returns the caller's identity. A license key takes precedence
// over a device id.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Identity, error) {
	switch {
	case req.LicenseKey != "":
		return r.resolveLicense(ctx, req.LicenseKey, req.ForceRefresh)
	case req.DeviceID != "":
		bal, err := r.devices.GetOrInit(ctx, req.DeviceID)
		if err != nil {
			return Identity{}, apperrors.Internal(err)
		}
		return Identity{Kind: Trial, Identifier: req.DeviceID, CreditsBalance: bal.CreditsRemaining}, nil
	default:
		return Identity{}, apperrors.MissingIdentifier()
	}
}

func (r *Resolver) resolveLicense(ctx context.Context, key string, force bool) (Identity, error) {
	cacheKey := licenseCacheKey(key)

	if !force {
		cached, err := store.GetJSON[CachedLicense](ctx, r.store, cacheKey)
		if err != nil {
			r.log.Warn("License cache read failed, treating as miss", logger.Fields(
				"license", logger.Mask(key), "error", err.Error()))
		}
		if cached != nil {
			return licenseIdentity(key, *cached)
		}
	}

	entry := CachedLicense{CachedAt: r.now().UTC()}
	if r.authority == nil {
		r.log.Error("No license authority configured", logger.Fields("license", logger.Mask(key)))
	} else {
		v, err := r.authority.Validate(ctx, key)
		if err != nil {
			// Fail closed: an unreachable authority yields a cached invalid
			// outcome for the TTL.
			r.log.Warn("License validation failed, caching as invalid", logger.Fields(
				"license", logger.Mask(key), "error", err.Error()))
		} else {
			entry.IsValid, entry.Credits = v.Valid, v.Credits
		}
	}

	if err := store.SetJSON(ctx, r.store, cacheKey, &entry, r.cfg.LicenseCacheTTL); err != nil {
		r.log.Warn("License cache write failed", logger.Fields("license", logger.Mask(key), "error", err.Error()))
	}
	return licenseIdentity(key, entry)
}

func licenseIdentity(key string, c CachedLicense) (Identity, error) {
	if !c.IsValid {
		return Identity{}, apperrors.InvalidLicense()
	}
	return Identity{Kind: Licensed, Identifier: key, CreditsBalance: c.Credits}, nil
}

// RefreshLicenseCache records a new balance reported by the authority.
func (r *Resolver) RefreshLicenseCache(ctx context.Context, key string, credits float64) error {
	entry := CachedLicense{IsValid: true, Credits: credits, CachedAt: r.now().UTC()}
	return store.SetJSON(ctx, r.store, licenseCacheKey(key), &entry, r.cfg.LicenseCacheTTL)
}

// Fingerprint is a stable, non-reversible id for a license key, used in
// store keys and usage events so raw keys never leave the process.
func Fingerprint(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func licenseCacheKey(key string) string {
	return "license:" + Fingerprint(key)
}

// Classify guesses what an ambiguous identifier is: a pure hex string of
// at least 32 characters is a device id, anything else a license key.
func Classify(identifier string) Kind {
	if len(identifier) >= 32 && isHex(identifier) {
		return Trial
	}
	return Licensed
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
