package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/theramjad/hyperwhisper-fly/internal/component"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed++
	return nil
}

func newTestProducer(w *fakeWriter) *Producer {
	cfg := Config{Enabled: true}
	cfg.ApplyDefaults()
	return &Producer{writer: w, cfg: cfg, log: logger.Nop()}
}

func TestPublishJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)

	err := p.PublishJSON(context.Background(), "device-1", "usage.charged", map[string]any{"credits": 1.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "device-1" {
		t.Errorf("expected key device-1, got %s", msg.Key)
	}
	if msg.Headers[0].Key != "event-type" || string(msg.Headers[0].Value) != "usage.charged" {
		t.Errorf("unexpected headers %+v", msg.Headers)
	}
	var body map[string]float64
	if err := json.Unmarshal(msg.Value, &body); err != nil || body["credits"] != 1.5 {
		t.Errorf("unexpected body %s", msg.Value)
	}
}

func TestPublishAfterClose(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)
	_ = p.Close()
	_ = p.Close()

	if w.closed != 1 {
		t.Errorf("expected writer closed once, got %d", w.closed)
	}
	if err := p.PublishJSON(context.Background(), "k", "t", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if h := p.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("expected unhealthy after close, got %s", h.Status)
	}
}

func TestHealthDegradedAfterWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newTestProducer(w)

	if err := p.PublishJSON(context.Background(), "k", "t", 1); err == nil {
		t.Fatal("expected write error")
	}
	if h := p.Health(context.Background()); h.Status != component.StatusDegraded {
		t.Errorf("expected degraded, got %s", h.Status)
	}
	h := p.Health(context.Background())
	if h.Status != component.StatusDegraded {
		t.Errorf("expected degraded on repeated check, got %s", h.Status)
	}
	if h.Message != "1 write errors" {
		t.Errorf("expected 1 write errors, got %q", h.Message)
	}
}

func TestHealthRecoversAfterSuccessfulWrite(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newTestProducer(w)

	_ = p.PublishJSON(context.Background(), "k", "t", 1)
	_ = p.PublishJSON(context.Background(), "k", "t", 2)
	if h := p.Health(context.Background()); h.Message != "2 write errors" {
		t.Errorf("expected 2 write errors, got %q", h.Message)
	}

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	if err := p.PublishJSON(context.Background(), "k", "t", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h := p.Health(context.Background()); h.Status != component.StatusHealthy {
		t.Errorf("expected healthy after recovery, got %s", h.Status)
	}
}

func TestNewProducer(t *testing.T) {
	p, err := NewProducer(Config{Enabled: true, Brokers: []string{"localhost:9092"}, Username: "u", Password: "p"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Topic() != "usage.events" {
		t.Errorf("expected default topic, got %s", p.Topic())
	}
	_ = p.Close()

	if _, err := NewProducer(Config{Enabled: true, BatchTimeout: "later"}, nil); err == nil {
		t.Error("expected error for invalid batch timeout")
	}
	if _, err := NewProducer(Config{Enabled: true, Compression: "brotli"}, nil); err == nil {
		t.Error("expected error for unsupported compression")
	}
}
