package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hyperwhisper"

// Collector holds all Prometheus metrics for the gateway.
type Collector struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Vendor metrics
	VendorRequests  *prometheus.CounterVec
	VendorDuration  *prometheus.HistogramVec
	VendorFallbacks *prometheus.CounterVec
	LeakageDetected *prometheus.CounterVec

	// Billing metrics
	CreditsDeducted *prometheus.CounterVec
	BillingFailures *prometheus.CounterVec
	BillingDropped  prometheus.Counter
	BillingQueue    prometheus.Gauge
	RateLimited     prometheus.Counter

	// Streaming metrics
	ActiveStreams  prometheus.Gauge
	StreamSeconds  prometheus.Counter
	StreamSessions *prometheus.CounterVec
}

// NewCollector registers every metric on a private registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		VendorRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_requests_total",
				Help:      "Upstream vendor calls by outcome",
			},
			[]string{"vendor", "outcome"},
		),
		VendorDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vendor_duration_seconds",
				Help:      "Upstream vendor call duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"vendor"},
		),
		VendorFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_fallbacks_total",
				Help:      "Fallbacks from one vendor to another",
			},
			[]string{"from", "to", "reason"},
		),
		LeakageDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correction_leakage_total",
				Help:      "Corrections whose output still contained prompt markers",
			},
			[]string{"vendor"},
		),

		CreditsDeducted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_deducted_total",
				Help:      "Credits charged by identity kind",
			},
			[]string{"kind"},
		),
		BillingFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_failures_total",
				Help:      "Charges that could not be recorded",
			},
			[]string{"target"},
		),
		BillingDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_dropped_total",
				Help:      "Charges dropped because the billing queue was full",
			},
		),
		BillingQueue: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "billing_queue_depth",
				Help:      "Charges waiting in the billing queue",
			},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ip_rate_limited_total",
				Help:      "Requests denied by the per-IP daily quota",
			},
		),

		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Live streaming sessions",
			},
		),
		StreamSeconds: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_audio_seconds_total",
				Help:      "Finalized streaming audio seconds",
			},
		),
		StreamSessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_sessions_total",
				Help:      "Completed streaming sessions by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveVendor records one vendor call. A nil collector is a no-op so
// vendors can be built without metrics in tests.
func (c *Collector) ObserveVendor(vendor string, start time.Time, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.VendorRequests.WithLabelValues(vendor, outcome).Inc()
	c.VendorDuration.WithLabelValues(vendor).Observe(time.Since(start).Seconds())
}

// Fallback records a vendor switch.
func (c *Collector) Fallback(from, to, reason string) {
	if c == nil {
		return
	}
	c.VendorFallbacks.WithLabelValues(from, to, reason).Inc()
}
