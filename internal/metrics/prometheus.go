package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder registers and updates Prometheus instruments for every
// outcome the dispatch loop and forwarder produce.
type PrometheusRecorder struct {
	outcomes        *prometheus.CounterVec
	forwardLatency  prometheus.Histogram
	poolSize        *prometheus.GaugeVec
	registrySize    prometheus.Gauge
}

// NewPrometheusRecorder registers its instruments against reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer-wrapping via promauto if a process-wide
// default registry is wanted instead.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_delivery_outcomes_total",
			Help: "Count of delivery dispatch outcomes by kind.",
		}, []string{"outcome"}),
		forwardLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbound_event_forward_latency_seconds",
			Help:    "Latency of event-forwarder HTTP POSTs.",
			Buckets: prometheus.DefBuckets,
		}),
		poolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbound_pool_clients",
			Help: "Pooled SMTP clients per (source IP, destination host) key.",
		}, []string{"key"}),
		registrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outbound_unavailability_registry_size",
			Help: "Entries currently held by the service-unavailability registry.",
		}),
	}
}

func (p *PrometheusRecorder) IncrDelivered()         { p.outcomes.WithLabelValues("delivered").Inc() }
func (p *PrometheusRecorder) IncrFailed()             { p.outcomes.WithLabelValues("failed").Inc() }
func (p *PrometheusRecorder) IncrDeferred()           { p.outcomes.WithLabelValues("deferred").Inc() }
func (p *PrometheusRecorder) IncrThrottled()          { p.outcomes.WithLabelValues("throttled").Inc() }
func (p *PrometheusRecorder) IncrServiceUnavailable() { p.outcomes.WithLabelValues("service_unavailable").Inc() }
func (p *PrometheusRecorder) IncrTimedOut()           { p.outcomes.WithLabelValues("timed_out").Inc() }

func (p *PrometheusRecorder) ObserveForwardLatency(d time.Duration) {
	p.forwardLatency.Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetPoolSize(key string, n int) {
	p.poolSize.WithLabelValues(key).Set(float64(n))
}

func (p *PrometheusRecorder) SetRegistrySize(n int) {
	p.registrySize.Set(float64(n))
}
