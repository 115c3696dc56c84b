package identity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
)

// DeviceBalance is a trial device's allocation. It has no TTL and is never
// deleted.
type DeviceBalance struct {
	CreditsRemaining float64   `json:"credits_remaining"`
	TotalAllocated   float64   `json:"total_allocated"`
	CreditsUsed      float64   `json:"credits_used"`
	IsExhausted      bool      `json:"is_exhausted"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Devices reads and writes device balances.
type Devices struct {
	store   store.Store
	initial float64
	now     func() time.Time
	log     *logger.Logger
}

// NewDevices creates the repository.
func NewDevices(s store.Store, initialCredits float64, log *logger.Logger) *Devices {
	if log == nil {
		log = logger.Nop()
	}
	return &Devices{store: s, initial: initialCredits, now: time.Now, log: log}
}

func deviceKey(id string) string { return "device:" + id }

// GetOrInit returns the device balance, allocating the initial credits on
// first sight.
func (d *Devices) GetOrInit(ctx context.Context, id string) (*DeviceBalance, error) {
	bal, err := store.GetJSON[DeviceBalance](ctx, d.store, deviceKey(id))
	if err != nil {
		return nil, err
	}
	if bal != nil {
		return bal, nil
	}

	now := d.now().UTC()
	bal = &DeviceBalance{
		CreditsRemaining: d.initial,
		TotalAllocated:   d.initial,
		IsExhausted:      d.initial < pricing.MinCredits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.SetJSON(ctx, d.store, deviceKey(id), bal, 0); err != nil {
		return nil, err
	}
	d.log.Info("Allocated trial device", logger.Fields("device", id, logger.FieldCredits, d.initial))
	return bal, nil
}

// Deduct charges credits against the device. It is a non-atomic
// read-modify-write; concurrent deductions on one device may lose updates.
func (d *Devices) Deduct(ctx context.Context, id string, credits float64) (*DeviceBalance, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("deduct: credits must be positive, got %v", credits)
	}
	bal, err := d.GetOrInit(ctx, id)
	if err != nil {
		return nil, err
	}

	bal.CreditsUsed = pricing.RoundTenth(bal.CreditsUsed + credits)
	bal.CreditsRemaining = math.Max(0, pricing.RoundTenth(bal.CreditsRemaining-credits))
	bal.IsExhausted = bal.CreditsRemaining < pricing.MinCredits
	bal.UpdatedAt = d.now().UTC()

	if err := store.SetJSON(ctx, d.store, deviceKey(id), bal, 0); err != nil {
		return nil, err
	}
	return bal, nil
}
