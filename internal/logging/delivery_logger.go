package logging

import (
	"log/slog"
	"time"
)

// DeliveryLogger provides structured logging for outbound delivery
// lifecycle events, adapted from the reception-side message lifecycle
// logger to the dispatch loop's outcomes.
type DeliveryLogger struct {
	logger *slog.Logger
}

// NewDeliveryLogger creates a new delivery logger.
func NewDeliveryLogger(logger *slog.Logger) *DeliveryLogger {
	return &DeliveryLogger{logger: logger.With("component", "delivery-lifecycle")}
}

// DeliveryContext carries the identifiers every delivery-lifecycle record
// needs to grep a single message's life story out of the log stream.
type DeliveryContext struct {
	MessageID string
	SourceIP  string
	MXHost    string
	Reason    string
	QueuedAt  time.Time
	Attempts  int
}

// LogSuccess logs a successful delivery.
func (l *DeliveryLogger) LogSuccess(ctx DeliveryContext) {
	l.logger.Info("delivery_success",
		"event_type", "success",
		"message_id", ctx.MessageID,
		"source_ip", ctx.SourceIP,
		"mx_host", ctx.MXHost,
		"attempts", ctx.Attempts,
		"status", "delivered",
	)
}

// LogDeferral logs a transient non-delivery outcome.
func (l *DeliveryLogger) LogDeferral(ctx DeliveryContext) {
	l.logger.Warn("delivery_deferral",
		"event_type", "deferral",
		"message_id", ctx.MessageID,
		"source_ip", ctx.SourceIP,
		"mx_host", ctx.MXHost,
		"attempts", ctx.Attempts,
		"reason", ctx.Reason,
		"status", "deferred",
	)
}

// LogFailure logs a permanent delivery failure.
func (l *DeliveryLogger) LogFailure(ctx DeliveryContext) {
	l.logger.Error("delivery_failure",
		"event_type", "failure",
		"message_id", ctx.MessageID,
		"source_ip", ctx.SourceIP,
		"mx_host", ctx.MXHost,
		"attempts", ctx.Attempts,
		"reason", ctx.Reason,
		"status", "failed",
	)
}

// LogServiceUnavailable logs a deferral caused by peer 421, distinct from a
// generic deferral so operators can separate cool-off events from ordinary
// transient failures at a glance.
func (l *DeliveryLogger) LogServiceUnavailable(ctx DeliveryContext) {
	l.logger.Warn("delivery_service_unavailable",
		"event_type", "service_unavailable",
		"message_id", ctx.MessageID,
		"source_ip", ctx.SourceIP,
		"mx_host", ctx.MXHost,
		"reason", ctx.Reason,
		"status", "deferred",
	)
}

// LogThrottle logs a deferral attributed to sender-side rate-limit policy.
func (l *DeliveryLogger) LogThrottle(ctx DeliveryContext) {
	l.logger.Warn("delivery_throttle",
		"event_type", "throttle",
		"message_id", ctx.MessageID,
		"source_ip", ctx.SourceIP,
		"mx_host", ctx.MXHost,
		"status", "deferred",
	)
}

// LogTimeout logs a message that aged out of the queue before dispatch.
func (l *DeliveryLogger) LogTimeout(ctx DeliveryContext) {
	l.logger.Error("delivery_timeout",
		"event_type", "timeout",
		"message_id", ctx.MessageID,
		"queued_at", ctx.QueuedAt.Format(time.RFC3339),
		"status", "failed",
	)
}

// LogForward logs the outcome of one event-forwarder HTTP POST.
func (l *DeliveryLogger) LogForward(eventID string, success bool, reason string) {
	if success {
		l.logger.Info("event_forward", "event_type", "forward", "event_id", eventID, "status", "forwarded")
		return
	}
	l.logger.Warn("event_forward", "event_type", "forward", "event_id", eventID, "status", "retry", "reason", reason)
}
