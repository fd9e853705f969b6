package mta

import (
	"context"
	"fmt"
	"sync"

	"github.com/busybox42/elemta/internal/events"
	"github.com/busybox42/elemta/internal/logging"
)

// recorderMetrics is the subset of metrics.Recorder the Outcome Recorder
// drives.
type recorderMetrics interface {
	IncrDelivered()
	IncrFailed()
	IncrDeferred()
	IncrThrottled()
	IncrServiceUnavailable()
	IncrTimedOut()
}

// OutcomeRecorder implements Recorder: it logs and counts every outcome.
// Failures, queue timeouts and 421 deferrals also save an Event to the event
// store, and those operations return only once the Save completes. Success,
// throttle, service-unavailable and other deferrals write nothing durable.
type OutcomeRecorder struct {
	store   events.Store
	metrics recorderMetrics
	logger  *logging.DeliveryLogger

	// seen dedupes per (message ID, outcome kind) so a caller that
	// mistakenly records the same terminal outcome twice — the contract
	// requires idempotence — does not double-emit metrics or events.
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOutcomeRecorder constructs an OutcomeRecorder. metrics and logger may
// be nil.
func NewOutcomeRecorder(store events.Store, m recorderMetrics, logger *logging.DeliveryLogger) *OutcomeRecorder {
	return &OutcomeRecorder{store: store, metrics: m, logger: logger, seen: make(map[string]struct{})}
}

func (r *OutcomeRecorder) markSeen(msgID, kind string) bool {
	key := msgID + "\x00" + kind
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	return true
}

// RecordSuccess records a successful delivery.
func (r *OutcomeRecorder) RecordSuccess(ctx context.Context, msg *QueuedMessage, sourceIP, mxHost string) error {
	if !r.markSeen(msg.ID, "success") {
		return nil
	}
	if r.metrics != nil {
		r.metrics.IncrDelivered()
	}
	if r.logger != nil {
		r.logger.LogSuccess(logging.DeliveryContext{MessageID: msg.ID, SourceIP: sourceIP, MXHost: mxHost, Attempts: msg.Attempts})
	}
	return nil
}

// RecordFailure records a permanent failure, emitting a Bounce event.
func (r *OutcomeRecorder) RecordFailure(ctx context.Context, msg *QueuedMessage, reason, sourceIP, mxHost string) error {
	if !r.markSeen(msg.ID, "failure") {
		return nil
	}
	if r.metrics != nil {
		r.metrics.IncrFailed()
	}
	if r.logger != nil {
		r.logger.LogFailure(logging.DeliveryContext{MessageID: msg.ID, SourceIP: sourceIP, MXHost: mxHost, Reason: reason, Attempts: msg.Attempts})
	}
	event := events.NewEvent(events.KindBounce, msg.ID, sourceIP, mxHost, reason)
	if err := r.store.Save(ctx, event); err != nil {
		return fmt.Errorf("save bounce event for %s: %w", msg.ID, err)
	}
	return nil
}

// RecordTimeout records a message that aged out of the queue before
// dispatch, emitting a TimedOutQueue event distinct from RecordFailure's
// Bounce.
func (r *OutcomeRecorder) RecordTimeout(ctx context.Context, msg *QueuedMessage) error {
	if !r.markSeen(msg.ID, "timeout") {
		return nil
	}
	if r.metrics != nil {
		r.metrics.IncrTimedOut()
	}
	if r.logger != nil {
		r.logger.LogTimeout(logging.DeliveryContext{MessageID: msg.ID, QueuedAt: msg.QueuedAt, Attempts: msg.Attempts})
	}
	event := events.NewEvent(events.KindTimedOutQueue, msg.ID, "", "", "Timed out in queue.")
	if err := r.store.Save(ctx, event); err != nil {
		return fmt.Errorf("save timed-out-in-queue event for %s: %w", msg.ID, err)
	}
	return nil
}

// RecordDeferral records a transient non-delivery outcome. When
// informServiceUnavailable is set (the peer-421 branch) it emits an Abuse
// event flagging the service-unavailable condition in addition to logging a
// distinct record; a plain deferral emits no event of its own, mirroring the
// contract's "may emit an Event".
func (r *OutcomeRecorder) RecordDeferral(ctx context.Context, msg *QueuedMessage, reason, sourceIP, mxHost string, informServiceUnavailable bool) error {
	kind := "deferral"
	if informServiceUnavailable {
		kind = "deferral_service_unavailable"
	}
	if !r.markSeen(msg.ID, kind) {
		return nil
	}

	if r.metrics != nil {
		r.metrics.IncrDeferred()
	}

	dctx := logging.DeliveryContext{MessageID: msg.ID, SourceIP: sourceIP, MXHost: mxHost, Reason: reason, Attempts: msg.Attempts}
	if informServiceUnavailable {
		if r.logger != nil {
			r.logger.LogServiceUnavailable(dctx)
		}
		event := events.NewEvent(events.KindAbuse, msg.ID, sourceIP, mxHost, reason)
		if err := r.store.Save(ctx, event); err != nil {
			return fmt.Errorf("save service-unavailable event for %s: %w", msg.ID, err)
		}
		return nil
	}

	if r.logger != nil {
		r.logger.LogDeferral(dctx)
	}
	return nil
}

// RecordThrottle records a deferral attributed to rate-limit policy.
func (r *OutcomeRecorder) RecordThrottle(ctx context.Context, msg *QueuedMessage, sourceIP, mxHost string) error {
	if !r.markSeen(msg.ID, "throttle") {
		return nil
	}
	if r.metrics != nil {
		r.metrics.IncrThrottled()
	}
	if r.logger != nil {
		r.logger.LogThrottle(logging.DeliveryContext{MessageID: msg.ID, SourceIP: sourceIP, MXHost: mxHost, Attempts: msg.Attempts})
	}
	return nil
}

// RecordServiceUnavailable records a deferral against a source IP whose
// registry entry already exists (the Pool's own ServiceUnavailable lease
// outcome, as opposed to the mid-transaction 421 branch).
func (r *OutcomeRecorder) RecordServiceUnavailable(ctx context.Context, msg *QueuedMessage, sourceIP string) error {
	if !r.markSeen(msg.ID, "service_unavailable") {
		return nil
	}
	if r.metrics != nil {
		r.metrics.IncrServiceUnavailable()
	}
	if r.logger != nil {
		r.logger.LogServiceUnavailable(logging.DeliveryContext{MessageID: msg.ID, SourceIP: sourceIP, Attempts: msg.Attempts})
	}
	return nil
}

var _ Recorder = (*OutcomeRecorder)(nil)
