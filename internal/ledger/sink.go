package ledger

import (
	"context"
	"time"

	"github.com/theramjad/hyperwhisper-fly/internal/identity"
)

// UsageEventType is the kafka event-type header for applied charges.
const UsageEventType = "usage.charged"

// UsageEvent is the record published for every applied charge. Licensed
// subjects are fingerprints, never raw keys.
type UsageEvent struct {
	Subject    string    `json:"subject"`
	Kind       string    `json:"kind"`
	IP         string    `json:"ip,omitempty"`
	Credits    float64   `json:"credits"`
	CostUSD    float64   `json:"cost_usd"`
	Source     string    `json:"source"`
	Operation  string    `json:"operation"`
	RequestID  string    `json:"request_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func newUsageEvent(c Charge) UsageEvent {
	subject := c.Identity.Identifier
	if c.Identity.Kind == identity.Licensed {
		subject = identity.Fingerprint(subject)
	}
	return UsageEvent{
		Subject:    subject,
		Kind:       c.Identity.Kind.String(),
		IP:         c.IP,
		Credits:    c.Credits,
		CostUSD:    c.CostUSD,
		Source:     c.Usage.Source,
		Operation:  c.Usage.Operation,
		RequestID:  c.Usage.RequestID,
		OccurredAt: c.At,
	}
}

// UsageSink receives applied charges.
type UsageSink interface {
	Publish(ctx context.Context, e UsageEvent) error
}

// NopSink discards events.
type NopSink struct{}

// Publish implements UsageSink.
func (NopSink) Publish(context.Context, UsageEvent) error { return nil }

// JSONPublisher is satisfied by *kafka.Producer.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key, eventType string, value any) error
}

// KafkaSink publishes events keyed by subject so one caller's events stay
// ordered within a partition.
type KafkaSink struct {
	producer JSONPublisher
}

// NewKafkaSink wraps a producer.
func NewKafkaSink(p JSONPublisher) *KafkaSink {
	return &KafkaSink{producer: p}
}

// Publish implements UsageSink.
func (s *KafkaSink) Publish(ctx context.Context, e UsageEvent) error {
	return s.producer.PublishJSON(ctx, e.Subject, UsageEventType, e)
}
