// Package metrics instruments delivery outcomes. It is purely additive: no
// component here gates a delivery decision, only observes it.
package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Recorder is the instrumentation surface: the Outcome Recorder drives the
// outcome counters and the event Forwarder drives ObserveForwardLatency.
// SetPoolSize and SetRegistrySize have no callers outside tests. Every method
// must tolerate being called from many goroutines concurrently.
type Recorder interface {
	IncrDelivered()
	IncrFailed()
	IncrDeferred()
	IncrThrottled()
	IncrServiceUnavailable()
	IncrTimedOut()
	ObserveForwardLatency(d time.Duration)
	SetPoolSize(key string, n int)
	SetRegistrySize(n int)
}

// MultiRecorder fans every call out to any number of Recorders, grounded on
// the teacher's logging.Manager multi-instance pattern: drive Prometheus and
// Valkey from the same call site without either knowing about the other.
type MultiRecorder struct {
	recorders []Recorder
	logger    *slog.Logger
}

// NewMultiRecorder constructs a MultiRecorder fanning out to the given
// recorders, skipping any nil entries.
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	out := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return &MultiRecorder{recorders: out, logger: slog.Default().With("component", "metrics_multi_recorder")}
}

func (m *MultiRecorder) IncrDelivered() {
	for _, r := range m.recorders {
		r.IncrDelivered()
	}
}

func (m *MultiRecorder) IncrFailed() {
	for _, r := range m.recorders {
		r.IncrFailed()
	}
}

func (m *MultiRecorder) IncrDeferred() {
	for _, r := range m.recorders {
		r.IncrDeferred()
	}
}

func (m *MultiRecorder) IncrThrottled() {
	for _, r := range m.recorders {
		r.IncrThrottled()
	}
}

func (m *MultiRecorder) IncrServiceUnavailable() {
	for _, r := range m.recorders {
		r.IncrServiceUnavailable()
	}
}

func (m *MultiRecorder) IncrTimedOut() {
	for _, r := range m.recorders {
		r.IncrTimedOut()
	}
}

func (m *MultiRecorder) ObserveForwardLatency(d time.Duration) {
	for _, r := range m.recorders {
		r.ObserveForwardLatency(d)
	}
}

func (m *MultiRecorder) SetPoolSize(key string, n int) {
	for _, r := range m.recorders {
		r.SetPoolSize(key, n)
	}
}

func (m *MultiRecorder) SetRegistrySize(n int) {
	for _, r := range m.recorders {
		r.SetRegistrySize(n)
	}
}

// ValkeyRecorderAdapter adapts the teacher-derived ValkeyStore counters
// (Delivered/Failed/Deferred only) onto the Recorder interface; the outcomes
// the spec adds beyond the teacher's (throttled, service-unavailable,
// timed-out) are tracked as additional counter names on the same store so a
// single Valkey deployment carries all of them.
type ValkeyRecorderAdapter struct {
	store *ValkeyStore
	ctx   context.Context
	log   *slog.Logger
}

// NewValkeyRecorderAdapter wraps a ValkeyStore as a Recorder. The context is
// used for every Valkey call; callers typically pass context.Background()
// since metrics writes should outlive an individual delivery attempt's
// cancellation.
func NewValkeyRecorderAdapter(store *ValkeyStore, ctx context.Context) *ValkeyRecorderAdapter {
	return &ValkeyRecorderAdapter{store: store, ctx: ctx, log: slog.Default().With("component", "valkey_recorder")}
}

func (v *ValkeyRecorderAdapter) incr(name string, fn func(context.Context) error) {
	if err := fn(v.ctx); err != nil {
		v.log.Warn("valkey counter increment failed", "counter", name, "error", err)
	}
}

func (v *ValkeyRecorderAdapter) IncrDelivered()          { v.incr("delivered", v.store.IncrDelivered) }
func (v *ValkeyRecorderAdapter) IncrFailed()              { v.incr("failed", v.store.IncrFailed) }
func (v *ValkeyRecorderAdapter) IncrDeferred()            { v.incr("deferred", v.store.IncrDeferred) }
func (v *ValkeyRecorderAdapter) IncrThrottled()           { v.incr("throttled", func(ctx context.Context) error { return v.store.incrCounter(ctx, "throttled") }) }
func (v *ValkeyRecorderAdapter) IncrServiceUnavailable()  { v.incr("service_unavailable", func(ctx context.Context) error { return v.store.incrCounter(ctx, "service_unavailable") }) }
func (v *ValkeyRecorderAdapter) IncrTimedOut()            { v.incr("timed_out", func(ctx context.Context) error { return v.store.incrCounter(ctx, "timed_out") }) }
func (v *ValkeyRecorderAdapter) ObserveForwardLatency(time.Duration) {}
func (v *ValkeyRecorderAdapter) SetPoolSize(string, int)             {}
func (v *ValkeyRecorderAdapter) SetRegistrySize(int)                 {}
