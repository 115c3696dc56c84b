package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newAuthorityServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", RetryBackoff: time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestValidate_Valid(t *testing.T) {
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/licenses/validate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		var body validateRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.LicenseKey != "LIC-1" {
			t.Errorf("expected LIC-1, got %q", body.LicenseKey)
		}
		_, _ = w.Write([]byte(`{"valid":true,"credits_remaining":812.4}`))
	})

	v, err := c.Validate(context.Background(), "LIC-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Valid || v.Credits != 812.4 {
		t.Errorf("expected valid with 812.4, got %+v", v)
	}
}

func TestValidate_NotFoundIsInvalid(t *testing.T) {
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	v, err := c.Validate(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected definitive answer, got error %v", err)
	}
	if v.Valid {
		t.Error("expected invalid")
	}
}

func TestValidate_ServerErrorIsError(t *testing.T) {
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.Validate(context.Background(), "LIC-1"); err == nil {
		t.Error("expected error for 502")
	}
}

func TestRecordUsage(t *testing.T) {
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/licenses/usage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body usageRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Credits != 2.5 || body.Source != "deepgram" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"credits_remaining":97.5}`))
	})

	balance, err := c.RecordUsage(context.Background(), Usage{LicenseKey: "LIC-1", Credits: 2.5, Source: "deepgram"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance == nil || *balance != 97.5 {
		t.Errorf("expected balance 97.5, got %v", balance)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}, nil, nil); err == nil {
		t.Error("expected error without base url")
	}
}

func TestValidate_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"valid":true,"credits":40}`))
	})

	v, err := c.Validate(context.Background(), "LIC-1")
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if !v.Valid || v.Credits != 40 {
		t.Errorf("expected valid with 40, got %+v", v)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

func TestValidate_ServerErrorExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.Validate(context.Background(), "LIC-1"); err == nil {
		t.Error("expected error for persistent 502")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestValidate_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	v, err := c.Validate(context.Background(), "LIC-1")
	if err != nil || v.Valid {
		t.Errorf("expected definitive invalid, got %+v err=%v", v, err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestRecordUsage_RetrySendsIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	c := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Idempotency-Key"); got != "req-9" {
			t.Errorf("expected idempotency key req-9, got %q", got)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"credits_remaining":10}`))
	})

	balance, err := c.RecordUsage(context.Background(), Usage{LicenseKey: "LIC-1", Credits: 1, RequestID: "req-9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance == nil || *balance != 10 {
		t.Errorf("expected balance 10, got %v", balance)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}
