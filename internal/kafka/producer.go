// Package kafka publishes JSON events to a single topic with
// segmentio/kafka-go. The gateway uses it for the usage-event stream.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/theramjad/hyperwhisper-fly/internal/component"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
)

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("kafka producer is closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer writes JSON messages to the configured topic.
type Producer struct {
	writer messageWriter
	cfg    Config
	log    *logger.Logger
	mu     sync.RWMutex
	closed bool

	writeErrors atomic.Int64
	failing     atomic.Bool
}

var (
	_ component.Component   = (*Producer)(nil)
	_ component.Describable = (*Producer)(nil)
)

// NewProducer builds the writer. kafka-go dials lazily on first write, so
// this never blocks on the brokers.
func NewProducer(cfg Config, log *logger.Logger) (*Producer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer config: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}

	batchTimeout, _ := time.ParseDuration(cfg.BatchTimeout)
	writeTimeout, _ := time.ParseDuration(cfg.WriteTimeout)

	transport := &kafkago.Transport{}
	if cfg.EnableTLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.Username != "" {
		transport.SASL = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: batchTimeout,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafkago.RequiredAcks(cfg.RequiredAcks),
		Compression:  compressionCodec(cfg.Compression),
		Transport:    transport,
	}

	return &Producer{writer: w, cfg: cfg, log: log.WithComponent("kafka.producer")}, nil
}

// PublishJSON marshals value and writes it keyed by key. Headers carry the
// event type so consumers can route without decoding the body.
func (p *Producer) PublishJSON(ctx context.Context, key, eventType string, value any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.writeErrors.Add(1)
		p.failing.Store(true)
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	p.failing.Store(false)
	return nil
}

// Topic returns the destination topic.
func (p *Producer) Topic() string { return p.cfg.Topic }

func (p *Producer) Name() string { return "kafka-producer" }

func (p *Producer) Start(context.Context) error {
	p.log.Info("Kafka producer ready", logger.Fields("brokers", p.cfg.Brokers, "topic", p.cfg.Topic))
	return nil
}

func (p *Producer) Stop(context.Context) error { return p.Close() }

// Health is degraded while the most recent write failed; the gateway keeps
// serving without the event stream.
func (p *Producer) Health(context.Context) component.Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return component.Health{Name: p.Name(), Status: component.StatusUnhealthy, Message: "closed"}
	}
	if p.failing.Load() {
		return component.Health{Name: p.Name(), Status: component.StatusDegraded, Message: fmt.Sprintf("%d write errors", p.writeErrors.Load())}
	}
	return component.Health{Name: p.Name(), Status: component.StatusHealthy}
}

func (p *Producer) Describe() string {
	return fmt.Sprintf("%v topic=%s", p.cfg.Brokers, p.cfg.Topic)
}

// Close flushes pending batches and closes the writer. Safe to call twice.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.log.Info("Closing Kafka producer")
	return p.writer.Close()
}
