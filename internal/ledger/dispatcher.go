package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/theramjad/hyperwhisper-fly/internal/component"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
)

// ApplyFunc performs one charge.
type ApplyFunc func(ctx context.Context, c Charge) error

// Dispatcher is a bounded best-effort charge queue drained by a fixed pool
// of workers. Charges submitted while the queue is full, or after Stop,
// are lost; each loss is logged and counted in billing_dropped_total.
type Dispatcher struct {
	apply   ApplyFunc
	cfg     Config
	metrics *observability.Collector
	log     *logger.Logger

	queue chan Charge
	wg    sync.WaitGroup

	mu      sync.RWMutex
	running bool
	closed  bool
}

var (
	_ component.Component   = (*Dispatcher)(nil)
	_ component.Describable = (*Dispatcher)(nil)
)

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(apply ApplyFunc, cfg Config, metrics *observability.Collector, log *logger.Logger) *Dispatcher {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		apply:   apply,
		cfg:     cfg,
		metrics: metrics,
		log:     log.WithComponent("ledger.dispatcher"),
		queue:   make(chan Charge, cfg.QueueSize),
	}
}

// Submit enqueues c without blocking. It reports whether c was accepted.
func (d *Dispatcher) Submit(c Charge) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(c, "dispatcher stopped")
		return false
	}
	select {
	case d.queue <- c:
		d.setDepth()
		return true
	default:
		d.drop(c, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(c Charge, reason string) {
	d.log.Error("Billing charge dropped", logger.Fields(
		"reason", reason,
		logger.FieldRequestID, c.Usage.RequestID,
		logger.FieldIdentity, c.Identity.Kind.String(),
		logger.FieldCredits, c.Credits,
	))
	if d.metrics != nil {
		d.metrics.BillingDropped.Inc()
	}
}

func (d *Dispatcher) setDepth() {
	if d.metrics != nil {
		d.metrics.BillingQueue.Set(float64(len(d.queue)))
	}
}

// Name implements component.Component.
func (d *Dispatcher) Name() string { return "billing-dispatcher" }

// Start launches the workers.
func (d *Dispatcher) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.closed {
		return nil
	}
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.log.Info("Billing dispatcher started", logger.Fields("workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize))
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for c := range d.queue {
		d.setDepth()
		// Charges outlive the request that produced them.
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ApplyTimeout)
		_ = d.apply(ctx, c)
		cancel()
	}
}

// Stop refuses new charges and waits for queued ones to be applied, up to
// ctx's deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	running := d.running
	d.mu.Unlock()

	if !running {
		if n := d.Pending(); n > 0 {
			d.log.Warn("Dispatcher stopped before start, charges lost", logger.Fields("pending", n))
		}
		return nil
	}

	d.log.Info("Draining billing queue", logger.Fields("pending", d.Pending()))
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("Billing dispatcher drained")
		return nil
	case <-ctx.Done():
		pending := d.Pending()
		d.log.Error("Billing dispatcher drain timed out", logger.Fields("pending", pending))
		return fmt.Errorf("billing drain: %d charges pending: %w", pending, ctx.Err())
	}
}

// Health reports degraded when the queue is over three-quarters full.
func (d *Dispatcher) Health(context.Context) component.Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h := component.Health{Name: d.Name(), Status: component.StatusHealthy}
	switch depth := d.Pending(); {
	case d.closed || !d.running:
		h.Status = component.StatusUnhealthy
		h.Message = "not running"
	case depth*4 > cap(d.queue)*3:
		h.Status = component.StatusDegraded
		h.Message = fmt.Sprintf("queue depth %d/%d", depth, cap(d.queue))
	}
	return h
}

// Describe implements component.Describable.
func (d *Dispatcher) Describe() string {
	return fmt.Sprintf("workers=%d queue=%d", d.cfg.Workers, d.cfg.QueueSize)
}

// Pending returns the number of queued charges.
func (d *Dispatcher) Pending() int { return len(d.queue) }
