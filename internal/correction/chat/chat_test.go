package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/theramjad/hyperwhisper-fly/internal/correction"
	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/httpclient"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer cb" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-oss-120b" || body["temperature"] != 0.0 || body["stream"] != false {
			t.Errorf("unexpected request %v", body)
		}
		if body["max_tokens"] != 4096.0 || body["reasoning_effort"] != "low" {
			t.Errorf("expected bounded max_tokens and low effort, got %v", body)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Fixed."}}],"usage":{"prompt_tokens":1000000,"completion_tokens":2000000}}`))
	}))
	defer srv.Close()

	p, err := New(Config{Name: "cerebras", APIKey: "cb", BaseURL: srv.URL}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	comp, err := p.Complete(context.Background(), &correction.ChatRequest{
		Messages:        correction.BuildMessages("sys", "fix", "txt"),
		MaxTokens:       4096,
		ReasoningEffort: "low",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.PromptTokens != 1000000 || comp.CompletionTokens != 2000000 {
		t.Errorf("unexpected usage %+v", comp)
	}
	if comp.CostUSD != 1.85 {
		t.Errorf("expected 0.35 + 2*0.75 = 1.85, got %v", comp.CostUSD)
	}
	if text, _ := correction.ExtractText(comp.Body); text != "Fixed." {
		t.Errorf("expected Fixed., got %q", text)
	}
}

func TestCompleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := New(Config{Name: "groq", APIKey: "k", BaseURL: srv.URL}, nil, nil)
	_, err := p.Complete(context.Background(), &correction.ChatRequest{})
	if httpclient.StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", err)
	}

	noKey, _ := New(Config{Name: "groq"}, nil, nil)
	_, err = noKey.Complete(context.Background(), &correction.ChatRequest{})
	if appErr, ok := apperrors.AsAppError(err); !ok || appErr.Code != apperrors.ErrCodeConfiguration {
		t.Errorf("expected CONFIGURATION_ERROR, got %v", err)
	}
}

func TestPresetDefaults(t *testing.T) {
	cfg := Config{Name: "groq", Model: "custom"}
	cfg.ApplyDefaults()
	if cfg.BaseURL != "https://api.groq.com/openai/v1" || cfg.Model != "custom" {
		t.Errorf("unexpected config %+v", cfg)
	}
	unknown := Config{Name: "other"}
	unknown.ApplyDefaults()
	if err := unknown.Validate(); err == nil {
		t.Error("expected validation error for unknown vendor without base_url")
	}
}
