package ledger

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/component"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/license"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/ratelimit"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []UsageEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeAuthority struct {
	usages  []license.Usage
	balance *float64
	err     error
}

func (f *fakeAuthority) Validate(context.Context, string) (license.Validation, error) {
	return license.Validation{Valid: true}, nil
}

func (f *fakeAuthority) RecordUsage(_ context.Context, u license.Usage) (*float64, error) {
	f.usages = append(f.usages, u)
	return f.balance, f.err
}

type fakeLicenseCache struct {
	refreshed map[string]float64
}

func (f *fakeLicenseCache) RefreshLicenseCache(_ context.Context, key string, credits float64) error {
	if f.refreshed == nil {
		f.refreshed = map[string]float64{}
	}
	f.refreshed[key] = credits
	return nil
}

type fixture struct {
	ledger    *Ledger
	store     store.Store
	devices   *identity.Devices
	limiter   *ratelimit.Limiter
	authority *fakeAuthority
	licenses  *fakeLicenseCache
	sink      *recordingSink
	metrics   *observability.Collector
}

func newFixture(t *testing.T, limit float64) *fixture {
	t.Helper()
	s := store.NewMemory()
	f := &fixture{
		store:     s,
		devices:   identity.NewDevices(s, 5, logger.Nop()),
		limiter:   ratelimit.New(s, ratelimit.Config{DailyCredits: limit}, logger.Nop()),
		authority: &fakeAuthority{},
		licenses:  &fakeLicenseCache{},
		sink:      &recordingSink{},
		metrics:   observability.NewCollector(),
	}
	f.ledger = New(Deps{
		Devices:   f.devices,
		Limiter:   f.limiter,
		Authority: f.authority,
		Licenses:  f.licenses,
		Sink:      f.sink,
		Metrics:   f.metrics,
	}, Config{}, logger.Nop())
	return f
}

func scrape(t *testing.T, c *observability.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func codeOf(err error) apperrors.ErrorCode {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr.Code
	}
	return ""
}

func TestEstimateCreditsMonotonic(t *testing.T) {
	f := newFixture(t, 100)

	for _, kind := range []SizeKind{Audio, Text} {
		prev := 0.0
		for _, size := range []int64{1, 10, 1_000, 100_000, 480_000, 5_000_000, 50_000_000} {
			got := f.ledger.EstimateCredits(SizeHint{Bytes: size, Kind: kind})
			if got < pricing.MinCredits {
				t.Errorf("kind %d size %d: expected >= 0.1, got %v", kind, size, got)
			}
			if got < prev {
				t.Errorf("kind %d size %d: expected non-decreasing, got %v after %v", kind, size, got, prev)
			}
			prev = got
		}
	}
}

func TestEstimateCreditsAudio(t *testing.T) {
	f := newFixture(t, 100)
	// One minute at the default rate is $0.0077 = 7.7 credits.
	if got := f.ledger.EstimateCredits(SizeHint{Bytes: 480_000, Kind: Audio}); got != 7.7 {
		t.Errorf("expected 7.7, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	tests := []struct {
		name     string
		id       identity.Identity
		estimate float64
		want     apperrors.ErrorCode
	}{
		{"licensed with balance", identity.Identity{Kind: identity.Licensed, CreditsBalance: 10}, 5, ""},
		{"licensed short", identity.Identity{Kind: identity.Licensed, CreditsBalance: 1}, 5, apperrors.ErrCodeInsufficientCredits},
		{"trial within quota", identity.Identity{Kind: identity.Trial, Identifier: "d1", CreditsBalance: 5}, 0.5, ""},
		{"trial exhausted", identity.Identity{Kind: identity.Trial, Identifier: "d1", CreditsBalance: 0.05}, 0.1, apperrors.ErrCodeDeviceCreditsExhausted},
		{"trial short", identity.Identity{Kind: identity.Trial, Identifier: "d1", CreditsBalance: 2}, 3, apperrors.ErrCodeDeviceCreditsExhausted},
		{"trial over ip quota", identity.Identity{Kind: identity.Trial, Identifier: "d1", CreditsBalance: 5}, 1.5, apperrors.ErrCodeIPRateLimited},
		{"no identity", identity.Identity{}, 1, apperrors.ErrCodeMissingIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ledger.Validate(ctx, tt.id, tt.estimate, "10.0.0.1")
			if got := codeOf(err); got != tt.want {
				t.Errorf("expected %q, got %q (%v)", tt.want, got, err)
			}
		})
	}
}

func TestValidateRateLimitDetails(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	_ = f.limiter.Increment(ctx, "10.0.0.2", 1.5)

	err := f.ledger.Validate(ctx, identity.Identity{Kind: identity.Trial, Identifier: "d", CreditsBalance: 5}, 1, "10.0.0.2")
	appErr, ok := apperrors.AsAppError(err)
	if !ok || appErr.Code != apperrors.ErrCodeIPRateLimited {
		t.Fatalf("expected IP_RATE_LIMITED, got %v", err)
	}
	if appErr.Details["credits_used"] != 1.5 || appErr.Details["daily_limit"] != 2.0 {
		t.Errorf("unexpected details %v", appErr.Details)
	}
	if !strings.Contains(scrape(t, f.metrics), "hyperwhisper_ip_rate_limited_total 1") {
		t.Error("expected rate-limited counter incremented")
	}
}

func TestDeductZeroCostSchedulesNothing(t *testing.T) {
	f := newFixture(t, 100)
	d := f.ledger.Dispatcher()
	_ = d.Start(context.Background())

	id := identity.Identity{Kind: identity.Trial, Identifier: "dev"}
	if got := f.ledger.Deduct(context.Background(), id, 0, "1.1.1.1", Usage{Source: "deepgram"}); got != 0 {
		t.Errorf("expected 0 credits, got %v", got)
	}
	_ = d.Stop(context.Background())

	if f.sink.count() != 0 {
		t.Errorf("expected no usage events, got %d", f.sink.count())
	}
	if _, found, _ := f.store.Get(context.Background(), "device:dev"); found {
		t.Error("expected device record untouched")
	}
}

func TestDeductTrialAppliesInBackground(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	d := f.ledger.Dispatcher()
	_ = d.Start(ctx)

	id := identity.Identity{Kind: identity.Trial, Identifier: "dev"}
	credits := f.ledger.Deduct(ctx, id, 0.00123, "1.1.1.1", Usage{RequestID: "req-1", Source: "deepgram", Operation: "transcribe"})
	if credits != 1.2 {
		t.Errorf("expected 1.2 credits, got %v", credits)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	bal, _ := f.devices.GetOrInit(ctx, "dev")
	if bal.CreditsRemaining != 3.8 || bal.CreditsUsed != 1.2 {
		t.Errorf("expected 3.8 remaining / 1.2 used, got %+v", bal)
	}
	usage, _ := f.limiter.Usage(ctx, "1.1.1.1")
	if usage.Used != 1.2 {
		t.Errorf("expected ip usage 1.2, got %v", usage.Used)
	}
	if f.sink.count() != 1 || f.sink.events[0].RequestID != "req-1" {
		t.Errorf("expected one usage event for req-1, got %+v", f.sink.events)
	}
}

func TestApplyDeviceBalanceNeverNegative(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	id := identity.Identity{Kind: identity.Trial, Identifier: "dev"}

	charges := []float64{1.3, 0.1, 2.2, 0.4, 3.0}
	var sum float64
	for _, c := range charges {
		sum += c
		if err := f.ledger.Apply(ctx, Charge{Identity: id, Credits: c}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	bal, _ := f.devices.GetOrInit(ctx, "dev")
	want := pricing.RoundTenth(5 - sum)
	if want < 0 {
		want = 0
	}
	if bal.CreditsRemaining != want || !bal.IsExhausted {
		t.Errorf("expected %v remaining and exhausted, got %+v", want, bal)
	}
}

func TestApplyLicensed(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	newBalance := 41.5
	f.authority.balance = &newBalance

	id := identity.Identity{Kind: identity.Licensed, Identifier: "LIC-KEY-1"}
	err := f.ledger.Apply(ctx, Charge{Identity: id, Credits: 2.5, CostUSD: 0.0025, Usage: Usage{RequestID: "r", Source: "cerebras", Operation: "correct"}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(f.authority.usages) != 1 || f.authority.usages[0].Credits != 2.5 || f.authority.usages[0].Source != "cerebras" {
		t.Errorf("unexpected usage calls %+v", f.authority.usages)
	}
	if f.licenses.refreshed["LIC-KEY-1"] != 41.5 {
		t.Errorf("expected license cache refreshed to 41.5, got %v", f.licenses.refreshed)
	}
	if got := f.sink.events[0].Subject; got != identity.Fingerprint("LIC-KEY-1") {
		t.Errorf("expected fingerprint subject, got %q", got)
	}
}

func TestApplyLicensedFailureIsReported(t *testing.T) {
	f := newFixture(t, 100)
	f.authority.err = errors.New("authority down")

	err := f.ledger.Apply(context.Background(), Charge{Identity: identity.Identity{Kind: identity.Licensed, Identifier: "k"}, Credits: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.licenses.refreshed) != 0 {
		t.Error("expected no cache refresh")
	}
	if len(f.authority.usages) != 1 {
		t.Errorf("expected exactly one attempt, got %d", len(f.authority.usages))
	}
	if !strings.Contains(scrape(t, f.metrics), `hyperwhisper_billing_failures_total{target="license"} 1`) {
		t.Error("expected license billing failure counted")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	metrics := observability.NewCollector()
	d := NewDispatcher(func(context.Context, Charge) error { return nil }, Config{QueueSize: 1}, metrics, nil)

	if !d.Submit(Charge{Credits: 1}) {
		t.Error("expected first charge accepted")
	}
	if d.Submit(Charge{Credits: 1}) {
		t.Error("expected second charge dropped")
	}
	if !strings.Contains(scrape(t, metrics), "hyperwhisper_billing_dropped_total 1") {
		t.Error("expected dropped counter incremented")
	}
}

func TestDispatcherStopDrains(t *testing.T) {
	var mu sync.Mutex
	applied := 0
	d := NewDispatcher(func(context.Context, Charge) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		applied++
		mu.Unlock()
		return nil
	}, Config{QueueSize: 16, Workers: 2}, nil, nil)

	_ = d.Start(context.Background())
	for i := 0; i < 10; i++ {
		d.Submit(Charge{Credits: 0.1})
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if applied != 10 {
		t.Errorf("expected 10 applied, got %d", applied)
	}
	if d.Submit(Charge{Credits: 0.1}) {
		t.Error("expected submit after stop to be refused")
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Errorf("expected idempotent stop, got %v", err)
	}
}

func TestDispatcherHealthReportsQueueDepth(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	d := NewDispatcher(func(context.Context, Charge) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Config{QueueSize: 4, Workers: 1}, nil, nil)

	if h := d.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("expected unhealthy before start, got %s", h.Status)
	}
	_ = d.Start(context.Background())
	d.Submit(Charge{Credits: 0.1})
	<-entered
	if h := d.Health(context.Background()); h.Status != component.StatusHealthy {
		t.Errorf("expected healthy with empty queue, got %s", h.Status)
	}
	for i := 0; i < 4; i++ {
		d.Submit(Charge{Credits: 0.1})
	}
	if d.Pending() != 4 {
		t.Errorf("expected 4 pending, got %d", d.Pending())
	}
	h := d.Health(context.Background())
	if h.Status != component.StatusDegraded || h.Message != "queue depth 4/4" {
		t.Errorf("expected degraded queue depth 4/4, got %s %q", h.Status, h.Message)
	}

	close(release)
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.Pending() != 0 {
		t.Errorf("expected drained queue, got %d", d.Pending())
	}
}

type fakePublisher struct {
	key, eventType string
	value          any
}

func (p *fakePublisher) PublishJSON(_ context.Context, key, eventType string, value any) error {
	p.key, p.eventType, p.value = key, eventType, value
	return nil
}

func TestKafkaSink(t *testing.T) {
	p := &fakePublisher{}
	sink := NewKafkaSink(p)
	e := UsageEvent{Subject: "dev-1", Kind: "trial", Credits: 0.3}

	if err := sink.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if p.key != "dev-1" || p.eventType != UsageEventType {
		t.Errorf("expected key dev-1 / %s, got %s / %s", UsageEventType, p.key, p.eventType)
	}
	if got, ok := p.value.(UsageEvent); !ok || got.Credits != 0.3 {
		t.Errorf("unexpected value %#v", p.value)
	}
}
