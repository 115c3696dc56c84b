package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/theramjad/hyperwhisper-fly/internal/correction"
	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/license"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/ratelimit"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
	"github.com/theramjad/hyperwhisper-fly/internal/streaming"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

const (
	clientIP = "203.0.113.5"
	deviceID = "device-abc"
)

type fakeAuthority struct {
	valid   bool
	credits float64
}

func (f *fakeAuthority) Validate(context.Context, string) (license.Validation, error) {
	return license.Validation{Valid: f.valid, Credits: f.credits}, nil
}

func (f *fakeAuthority) RecordUsage(context.Context, license.Usage) (*float64, error) {
	return nil, nil
}

type fakeSTT struct {
	mu        sync.Mutex
	calls     int
	selection string
	last      *stt.Request
	res       *stt.Result
	err       error
}

func (f *fakeSTT) Transcribe(_ context.Context, selection string, req *stt.Request) (*stt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.selection, f.last = selection, req
	return f.res, f.err
}

type fakeCorrector struct {
	last correction.Request
	res  *correction.Result
	err  error
}

func (f *fakeCorrector) Correct(_ context.Context, req correction.Request) (*correction.Result, error) {
	f.last = req
	return f.res, f.err
}

// spyBilling counts deductions on top of the real ledger.
type spyBilling struct {
	*ledger.Ledger
	deducts atomic.Int32
}

func (s *spyBilling) Deduct(ctx context.Context, id identity.Identity, cost float64, ip string, u ledger.Usage) float64 {
	s.deducts.Add(1)
	return s.Ledger.Deduct(ctx, id, cost, ip, u)
}

type harness struct {
	engine    *gin.Engine
	store     *store.Memory
	resolver  *identity.Resolver
	limiter   *ratelimit.Limiter
	ledger    *ledger.Ledger
	billing   *spyBilling
	authority *fakeAuthority
	stt       *fakeSTT
	corrector *fakeCorrector
	live      *fakeLive
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logger.Nop()
	metrics := observability.NewCollector()
	st := store.NewMemory()
	auth := &fakeAuthority{valid: true, credits: 500}
	resolver := identity.NewResolver(st, auth, identity.Config{DeviceInitialCredits: 100}, log)
	limiter := ratelimit.New(st, ratelimit.Config{DailyCredits: 200}, log)
	led := ledger.New(ledger.Deps{
		Pricing:   pricing.Model{USDPerCredit: 0.001},
		Devices:   resolver.Devices(),
		Limiter:   limiter,
		Authority: auth,
		Licenses:  resolver,
		Metrics:   metrics,
	}, ledger.Config{}, log)
	if err := led.Dispatcher().Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() { _ = led.Dispatcher().Stop(context.Background()) })

	billing := &spyBilling{Ledger: led}
	live := &fakeLive{}
	streams := streaming.NewManager(live, billing, pricing.Model{USDPerCredit: 0.001}, streaming.Config{}, metrics, log)
	t.Cleanup(func() { _ = streams.Stop(context.Background()) })

	h := &harness{
		store:     st,
		resolver:  resolver,
		limiter:   limiter,
		ledger:    led,
		billing:   billing,
		authority: auth,
		stt:       &fakeSTT{res: &stt.Result{Text: "hello", DetectedLanguage: "en", DurationSeconds: 60, CostUSD: 0.0043, Source: "deepgram"}},
		corrector: &fakeCorrector{res: &correction.Result{Text: "Hello.", CostUSD: 0.0005, Source: "cerebras"}},
		live:      live,
	}

	scfg := server.Config{}
	scfg.ApplyDefaults()
	srv := server.New(scfg, log)
	srv.ApplyMiddleware(metrics)
	New(Deps{
		Resolver:  resolver,
		Billing:   billing,
		Limiter:   limiter,
		Blocklist: ratelimit.NewBlocklist(st, log),
		STT:       h.stt,
		Corrector: h.corrector,
		Streams:   streams,
	}, cfg, log).Register(srv.GinEngine())
	h.engine = srv.GinEngine()
	return h
}

// drain waits for every scheduled charge to be applied.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	if err := h.ledger.Dispatcher().Stop(context.Background()); err != nil {
		t.Fatalf("stop dispatcher: %v", err)
	}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("Fly-Client-IP", clientIP)
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func audioRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", strings.NewReader(body))
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("X-Device-ID", deviceID)
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestTranscribe_TrialChargesDeviceAndIP(t *testing.T) {
	h := newHarness(t, Config{})
	req := audioRequest("RIFF....WAVEdata")
	req.Header.Set("X-Language", "en")
	req.Header.Set("X-Vocabulary", "alpha, beta")
	req.Header.Set("X-STT-Provider", "groq")

	rec := h.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["text"] != "hello" || body["provider"] != "deepgram" {
		t.Errorf("unexpected body %v", body)
	}
	if body["credits_used"] != 4.3 {
		t.Errorf("expected 4.3 credits, got %v", body["credits_used"])
	}
	if got := rec.Header().Get("X-Cost-USD"); got != "0.004300" {
		t.Errorf("expected X-Cost-USD 0.004300, got %q", got)
	}
	if got := rec.Header().Get("X-Credits-Used"); got != "4.3" {
		t.Errorf("expected X-Credits-Used 4.3, got %q", got)
	}
	if rec.Header().Get("X-STT-Provider") != "deepgram" || rec.Header().Get("X-Request-Id") == "" {
		t.Errorf("missing response headers: %v", rec.Header())
	}

	if h.stt.selection != "groq" {
		t.Errorf("expected selection groq, got %q", h.stt.selection)
	}
	if len(h.stt.last.Vocabulary) != 2 || h.stt.last.Vocabulary[1] != "beta" {
		t.Errorf("unexpected vocabulary %v", h.stt.last.Vocabulary)
	}
	if h.stt.last.ContentType != "audio/wav" {
		t.Errorf("expected audio/wav, got %q", h.stt.last.ContentType)
	}

	h.drain(t)
	bal, err := h.resolver.Devices().GetOrInit(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if math.Abs(bal.CreditsRemaining-95.7) > 1e-9 {
		t.Errorf("expected 95.7 remaining, got %v", bal.CreditsRemaining)
	}
	d, err := h.limiter.Usage(context.Background(), clientIP)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if d.Used != 4.3 {
		t.Errorf("expected 4.3 used by ip, got %v", d.Used)
	}
}

func TestTranscribe_ZeroCostNeverDeducts(t *testing.T) {
	tests := []struct {
		name string
		res  *stt.Result
	}{
		{"no speech", stt.NoSpeechResult("deepgram", "en")},
		{"zero cost", &stt.Result{Text: "hm", Source: "deepgram"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.stt.res = tt.res

			rec := h.do(audioRequest("audio"))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if body := decode(t, rec); body["credits_used"] != 0.0 {
				t.Errorf("expected 0 credits, got %v", body["credits_used"])
			}
			if n := h.billing.deducts.Load(); n != 0 {
				t.Errorf("expected no deduction, got %d", n)
			}
		})
	}
}

func TestTranscribe_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		req    func() *http.Request
		status int
		code   apperrors.ErrorCode
	}{
		{
			name: "missing identifier",
			req: func() *http.Request {
				r := audioRequest("audio")
				r.Header.Del("X-Device-ID")
				return r
			},
			status: http.StatusUnauthorized,
			code:   apperrors.ErrCodeMissingIdentifier,
		},
		{
			name: "unsupported media type",
			req: func() *http.Request {
				r := audioRequest("audio")
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			status: http.StatusUnsupportedMediaType,
			code:   apperrors.ErrCodeInvalidInput,
		},
		{
			name:   "empty body",
			req:    func() *http.Request { return audioRequest("") },
			status: http.StatusBadRequest,
			code:   apperrors.ErrCodeInvalidInput,
		},
		{
			name: "blocked ip",
			setup: func(h *harness) {
				_ = h.store.Set(context.Background(), "ipblock:"+clientIP, "abuse", 0)
			},
			req:    func() *http.Request { return audioRequest("audio") },
			status: http.StatusForbidden,
			code:   apperrors.ErrCodeIPBlocked,
		},
		{
			name: "ip quota spent",
			setup: func(h *harness) {
				_ = h.limiter.Increment(context.Background(), clientIP, 200)
			},
			req:    func() *http.Request { return audioRequest("audio") },
			status: http.StatusTooManyRequests,
			code:   apperrors.ErrCodeIPRateLimited,
		},
		{
			name: "invalid license",
			setup: func(h *harness) {
				h.authority.valid = false
			},
			req: func() *http.Request {
				r := audioRequest("audio")
				r.Header.Set("X-License-Key", "LIC-BAD")
				return r
			},
			status: http.StatusUnauthorized,
			code:   apperrors.ErrCodeInvalidLicense,
		},
		{
			name: "license balance too low",
			setup: func(h *harness) {
				h.authority.credits = 0.05
			},
			req: func() *http.Request {
				r := audioRequest("audio")
				r.Header.Set("X-License-Key", "LIC-LOW")
				return r
			},
			status: http.StatusPaymentRequired,
			code:   apperrors.ErrCodeInsufficientCredits,
		},
		{
			name: "vendor failure",
			setup: func(h *harness) {
				h.stt.err = apperrors.UpstreamProvider("deepgram", 500, errors.New("boom"))
			},
			req:    func() *http.Request { return audioRequest("audio") },
			status: http.StatusBadGateway,
			code:   apperrors.ErrCodeUpstreamProvider,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			if tt.setup != nil {
				tt.setup(h)
			}
			rec := h.do(tt.req())
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != string(tt.code) {
				t.Errorf("expected %s, got %s", tt.code, code)
			}
			if n := h.billing.deducts.Load(); n != 0 {
				t.Errorf("expected no deduction, got %d", n)
			}
		})
	}
}

func TestTranscribe_PayloadTooLarge(t *testing.T) {
	h := newHarness(t, Config{MaxAudioBytes: 8})
	rec := h.do(audioRequest("this is more than eight bytes"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if h.stt.calls != 0 {
		t.Errorf("expected no vendor call, got %d", h.stt.calls)
	}
}

func TestTranscribe_RateLimitDetails(t *testing.T) {
	h := newHarness(t, Config{})
	_ = h.limiter.Increment(context.Background(), clientIP, 199.95)

	rec := h.do(audioRequest("audio"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	e := decode(t, rec)["error"].(map[string]any)
	details, _ := e["details"].(map[string]any)
	if details["daily_limit"] != 200.0 {
		t.Errorf("expected daily_limit 200, got %v", details["daily_limit"])
	}
	if _, ok := details["resets_at"]; !ok {
		t.Errorf("expected resets_at in details, got %v", details)
	}
}

func TestCorrect(t *testing.T) {
	h := newHarness(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/correct",
		strings.NewReader(`{"text":"helo wrld","prompt":"fix spelling","device_id":"device-abc"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := h.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["corrected_text"] != "Hello." || body["provider"] != "cerebras" {
		t.Errorf("unexpected body %v", body)
	}
	if body["credits_used"] != 0.5 {
		t.Errorf("expected 0.5 credits, got %v", body["credits_used"])
	}
	if h.corrector.last.Instruction != "fix spelling" || h.corrector.last.RequestID == "" {
		t.Errorf("unexpected correction request %+v", h.corrector.last)
	}

	h.drain(t)
	bal, _ := h.resolver.Devices().GetOrInit(context.Background(), deviceID)
	if math.Abs(bal.CreditsRemaining-99.5) > 1e-9 {
		t.Errorf("expected 99.5 remaining, got %v", bal.CreditsRemaining)
	}
}

func TestCorrect_InvalidBodies(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"text":`, http.StatusBadRequest},
		{"missing text", `{"prompt":"x","device_id":"device-abc"}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"too long", `{"text":"0123456789ABC","device_id":"device-abc"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxTextChars: 10})
			req := httptest.NewRequest(http.MethodPost, "/v1/correct", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := h.do(req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != string(apperrors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %s", code)
			}
		})
	}
}

func TestUsage(t *testing.T) {
	h := newHarness(t, Config{})
	hexID := "0123456789abcdef0123456789abcdef"
	_ = h.limiter.Increment(context.Background(), clientIP, 12.5)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/v1/usage?identifier="+hexID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["kind"] != "trial" || body["credits_remaining"] != 100.0 || body["total_allocated"] != 100.0 {
		t.Errorf("unexpected trial usage %v", body)
	}
	quota, _ := body["ip_quota"].(map[string]any)
	if quota["used"] != 12.5 || quota["limit"] != 200.0 || quota["remaining"] != 187.5 {
		t.Errorf("unexpected ip quota %v", quota)
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/v1/usage?identifier=LIC-1234-ABCD", nil))
	body = decode(t, rec)
	if body["kind"] != "licensed" || body["credits_remaining"] != 500.0 {
		t.Errorf("unexpected licensed usage %v", body)
	}
	if _, ok := body["ip_quota"]; ok {
		t.Error("expected no ip quota for a license")
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

type fakeLiveConn struct {
	results   chan stt.LiveEvent
	stopOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeLiveConn) Send([]byte) error { return nil }

func (c *fakeLiveConn) CloseSend() error {
	c.stopOnce.Do(func() { close(c.results) })
	return nil
}

func (c *fakeLiveConn) Recv() (stt.LiveEvent, error) {
	select {
	case ev, ok := <-c.results:
		if !ok {
			return stt.LiveEvent{}, io.EOF
		}
		return ev, nil
	case <-c.closed:
		return stt.LiveEvent{}, io.EOF
	}
}

func (c *fakeLiveConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeLive answers every session with one 60 second final segment.
type fakeLive struct{}

func (fakeLive) Name() string { return "deepgram" }

func (fakeLive) Connect(context.Context, stt.LiveOptions) (stt.LiveConn, error) {
	c := &fakeLiveConn{results: make(chan stt.LiveEvent, 4), closed: make(chan struct{})}
	c.results <- stt.LiveEvent{Kind: stt.LiveTranscript, Text: "streamed", IsFinal: true, Duration: 60}
	return c, nil
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestStream_SessionBillsOnClose(t *testing.T) {
	h := newHarness(t, Config{})
	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	header := http.Header{"Fly-Client-IP": {clientIP}, "X-Device-ID": {deviceID}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream?language=en"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id on the handshake")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ready map[string]any
	if err := conn.ReadJSON(&ready); err != nil || ready["type"] != "ready" {
		t.Fatalf("expected ready, got %v (%v)", ready, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{0}, 640)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	var complete map[string]any
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev["type"] == "session_complete" {
			complete = ev
			break
		}
	}
	if complete["credits_used"] != 7.7 || complete["duration_seconds"] != 60.0 {
		t.Errorf("unexpected session_complete %v", complete)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.billing.deducts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.drain(t)
	bal, _ := h.resolver.Devices().GetOrInit(context.Background(), deviceID)
	if math.Abs(bal.CreditsRemaining-92.3) > 1e-9 {
		t.Errorf("expected 92.3 remaining, got %v", bal.CreditsRemaining)
	}
}

func TestStream_AdmissionFailureRejectsUpgrade(t *testing.T) {
	h := newHarness(t, Config{})
	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestStream_RequiresUpgrade(t *testing.T) {
	h := newHarness(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/stream?device_id="+deviceID, nil)
	rec := h.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
