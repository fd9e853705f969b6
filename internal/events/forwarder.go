package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ForwarderConfig configures the Event HTTP Forwarder.
type ForwarderConfig struct {
	PostURL    string        `toml:"post_url"` // empty disables the forwarder
	BatchSize  int           `toml:"batch_size"`
	FanOut     int           `toml:"fan_out"`
	PollDelay  time.Duration `toml:"poll_delay"`
	HTTPClient *http.Client  `toml:"-"`
}

// DefaultForwarderConfig returns defaults matching §4.5: batches of ten, full
// fan-out across the batch, one-second idle poll.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		BatchSize: 10,
		FanOut:    10,
		PollDelay: 1 * time.Second,
	}
}

// ShutdownSignal is invoked if the forwarder's main loop fails outright, as
// distinct from a per-event failure — the only component in this core that
// escalates to process-wide shutdown.
type ShutdownSignal func(cause error)

// Forwarder periodically batches unforwarded events from a Store and posts
// each to an operator-configured URL, marking it forwarded on success.
type Forwarder struct {
	cfg      ForwarderConfig
	store    Store
	logger   *slog.Logger
	onFatal  ShutdownSignal
	recorder forwarderMetrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// forwarderMetrics is the minimal instrumentation surface the forwarder
// drives; nil-safe so a Forwarder can be built without metrics wired.
type forwarderMetrics interface {
	ObserveForwardLatency(time.Duration)
}

// NewForwarder constructs a Forwarder. onFatal may be nil; recorder may be
// nil.
func NewForwarder(cfg ForwarderConfig, store Store, recorder forwarderMetrics, onFatal ShutdownSignal) *Forwarder {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.FanOut == 0 {
		cfg.FanOut = cfg.BatchSize
	}
	if cfg.PollDelay == 0 {
		cfg.PollDelay = time.Second
	}
	return &Forwarder{
		cfg:      cfg,
		store:    store,
		logger:   slog.Default().With("component", "event_forwarder"),
		onFatal:  onFatal,
		recorder: recorder,
	}
}

// Enabled reports whether a forward URL is configured, per §6's "absent ⇒
// forwarder disabled".
func (f *Forwarder) Enabled() bool { return f.cfg.PostURL != "" }

// Start spawns the forwarder worker iff an endpoint is configured.
func (f *Forwarder) Start(ctx context.Context) {
	if !f.Enabled() {
		f.logger.Info("event forwarding disabled: no post url configured")
		return
	}

	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.mu.Unlock()

	go f.run(ctx)
}

// Stop sets the stop flag and blocks until the worker observes it, per §4.5.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	stopCh, doneCh := f.stopCh, f.doneCh
	f.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (f *Forwarder) stopping() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

func (f *Forwarder) run(ctx context.Context) {
	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		close(f.doneCh)
	}()

	for !f.stopping() {
		if err := f.cycle(ctx); err != nil {
			f.logger.Error("forwarder loop failed", "error", err)
			if f.onFatal != nil {
				f.onFatal(err)
			}
			return
		}
	}
}

// cycle runs one fetch-and-forward pass. A nil result (including the "null
// sentinel" case the spec calls out) is treated as an empty batch.
func (f *Forwarder) cycle(ctx context.Context) error {
	batch, err := f.store.GetEventsForForwarding(ctx, f.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch events for forwarding: %w", err)
	}

	if len(batch) == 0 {
		select {
		case <-time.After(f.cfg.PollDelay):
		case <-f.stopCh:
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.FanOut)
	for _, event := range batch {
		event := event
		g.Go(func() error {
			f.forwardOne(gctx, event)
			return nil
		})
	}
	return g.Wait()
}

// forwardOne performs the five numbered steps of §4.5's per-event
// forwarding. Any failure is logged and leaves the event unforwarded for the
// next cycle to retry (at-least-once); it never returns an error upward.
func (f *Forwarder) forwardOne(ctx context.Context, event *Event) {
	if f.stopping() {
		return
	}

	start := time.Now()
	body, err := event.MarshalForWire()
	if err != nil {
		f.logger.Error("marshal event failed", "event_id", event.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.PostURL, bytes.NewReader(body))
	if err != nil {
		f.logger.Error("build forward request failed", "event_id", event.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "text/json")

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		f.logger.Warn("forward request failed", "event_id", event.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Warn("read forward response failed", "event_id", event.ID, "error", err)
		return
	}

	if f.recorder != nil {
		f.recorder.ObserveForwardLatency(time.Since(start))
	}

	if !strings.HasPrefix(strings.TrimSpace(string(respBody)), ".") {
		f.logger.Warn("forward not acknowledged", "event_id", event.ID, "response", string(respBody))
		return
	}

	event.Forwarded = true
	if err := f.store.Save(ctx, event); err != nil {
		f.logger.Error("persist forwarded flag failed", "event_id", event.ID, "error", err)
	}
}
