package mta

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"
)

// SenderConfig configures the Message Sender dispatch loop.
type SenderConfig struct {
	// PollInterval is how long the loop sleeps after an empty broker poll.
	PollInterval time.Duration `toml:"poll_interval"`
	// MaxTimeInQueue bounds how long a message may sit before it is
	// considered timed out, per §3's invariant.
	MaxTimeInQueue time.Duration `toml:"max_time_in_queue"`
	// DefaultGroupID is the virtual-MTA group routing hint used when a message
	// does not carry its own.
	DefaultGroupID string `toml:"default_group_id"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		PollInterval:   100 * time.Millisecond,
		MaxTimeInQueue: 4 * time.Hour,
		DefaultGroupID: "default",
	}
}

// Sender is the dispatch loop: it drains the broker, applies timing and
// policy gates, orchestrates the Selector and Pool, and drives the SMTP
// transaction to completion.
type Sender struct {
	cfg      SenderConfig
	broker   Broker
	resolver Resolver
	selector MTASelector
	pool     Pool
	registry *UnavailabilityRegistry
	recorder Recorder
	logger   *slog.Logger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// NewSender constructs a Sender wired to its collaborators.
func NewSender(cfg SenderConfig, broker Broker, resolver Resolver, selector MTASelector, pool Pool, registry *UnavailabilityRegistry, recorder Recorder) *Sender {
	return &Sender{
		cfg:      cfg,
		broker:   broker,
		resolver: resolver,
		selector: selector,
		pool:     pool,
		registry: registry,
		recorder: recorder,
		logger:   slog.Default().With("component", "message_sender"),
	}
}

// Start launches the dispatch loop on a dedicated goroutine, derived from
// ctx: cancelling ctx or calling Stop both trigger cooperative shutdown.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(loopCtx)
	}()
}

// Stop signals cooperative shutdown and waits for the in-flight dispatch
// attempt, if any, to finish.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.dispatchOnce(ctx)
	}
}

// dispatchOnce performs one dispatch attempt: spec.md §4.1 steps 1-10.
func (s *Sender) dispatchOnce(ctx context.Context) {
	// Step 1: pull one message; short poll-and-sleep on empty.
	msg, ok, err := s.broker.Dequeue(ctx)
	if err != nil {
		s.logger.Error("broker dequeue failed", "error", err)
		s.sleep(ctx, s.cfg.PollInterval)
		return
	}
	if !ok {
		s.sleep(ctx, s.cfg.PollInterval)
		return
	}

	now := time.Now()

	// Step 2: deferred-attempt gate. No state transition, no ack — just a
	// re-enqueue so the broker keeps owning the redelivery schedule.
	if msg.AttemptSendAfter.After(now) {
		if err := s.broker.Enqueue(ctx, msg); err != nil {
			s.logger.Error("re-enqueue deferred message failed", "message_id", msg.ID, "error", err)
		}
		return
	}

	// Step 3: queue-timeout gate. The comparison is against
	// (attempt-send-after - queued-at), exactly as spec.md §3 states the
	// invariant, not (now - queued-at); flagged for operator review in
	// the source's own design notes (§9, first open question).
	if msg.TimedOut(s.cfg.MaxTimeInQueue) {
		if err := s.recorder.RecordTimeout(ctx, msg); err != nil {
			s.logger.Error("record timeout failure failed", "message_id", msg.ID, "error", err)
		}
		s.ack(ctx, msg)
		return
	}

	// Step 4: parse addresses, resolve MX.
	from, to, err := parseEnvelope(msg.From, msg.To)
	if err != nil {
		if recErr := s.recorder.RecordFailure(ctx, msg, "550 Domain Not Found.", "", ""); recErr != nil {
			s.logger.Error("record address-parse failure failed", "message_id", msg.ID, "error", recErr)
		}
		s.ack(ctx, msg)
		return
	}

	mxRecords, err := s.resolver.GetMX(ctx, to.domain)
	if err != nil {
		s.logger.Warn("mx resolution error, treating as empty", "message_id", msg.ID, "domain", to.domain, "error", err)
	}
	if len(mxRecords) == 0 {
		if err := s.recorder.RecordFailure(ctx, msg, "550 Domain Not Found.", "", ""); err != nil {
			s.logger.Error("record empty-mx failure failed", "message_id", msg.ID, "error", err)
		}
		s.ack(ctx, msg)
		return
	}

	// Step 5: pick a source IP from the virtual-MTA group.
	groupID := msg.GroupID
	if groupID == "" {
		groupID = s.cfg.DefaultGroupID
	}
	vmta, err := s.selector.GetVirtualMtaForSending(ctx, groupID, mxRecords[0])
	if err != nil {
		s.logger.Error("virtual-mta selection failed", "message_id", msg.ID, "error", err)
		s.ack(ctx, msg)
		return
	}

	// Step 6: lease a pooled client.
	outcome, client, err := s.pool.Lease(ctx, vmta.IP, mxRecords)
	if err != nil {
		s.logger.Error("pool lease errored", "message_id", msg.ID, "error", err)
	}

	switch outcome {
	case LeaseSuccess:
		// proceed to step 7 below
	case LeaseNoMxRecords, LeaseFailedToAddToQueue, LeaseUnknown:
		// expected race outcomes; no recording, broker will redeliver.
		return
	case LeaseFailedToConnect:
		if err := s.recorder.RecordDeferral(ctx, msg, "Failed to connect", vmta.IP, mxRecords[0].Host, false); err != nil {
			s.logger.Error("record connect-failure deferral failed", "message_id", msg.ID, "error", err)
		}
		s.ack(ctx, msg)
		return
	case LeaseServiceUnavailable:
		if err := s.recorder.RecordServiceUnavailable(ctx, msg, vmta.IP); err != nil {
			s.logger.Error("record service-unavailable failed", "message_id", msg.ID, "error", err)
		}
		s.ack(ctx, msg)
		return
	case LeaseThrottled:
		if err := s.recorder.RecordThrottle(ctx, msg, vmta.IP, mxRecords[0].Host); err != nil {
			s.logger.Error("record throttle failed", "message_id", msg.ID, "error", err)
		}
		s.ack(ctx, msg)
		return
	case LeaseFailedMaxConnections:
		// Per spec §4.1 step 6 / §9 second open question: literal no-op
		// beyond bumping attempt-send-after in memory. The message is
		// unconditionally acked below, so a re-enqueue here would only
		// duplicate the broker's own redelivery timing.
		msg.AttemptSendAfter = time.Now().Add(2 * time.Second)
		s.ack(ctx, msg)
		return
	default:
		return
	}

	// Step 7: drive the four-step SMTP transaction in strict order.
	mxHost := mxRecords[0].Host
	outcomeResult := s.runTransaction(ctx, client, from, to.raw, msg.Data)

	switch outcomeResult.kind {
	case transactionSuccess:
		// Step 8: clean completion.
		s.pool.Return(client)
		if err := s.recorder.RecordSuccess(ctx, msg, vmta.IP, mxHost); err != nil {
			s.logger.Error("record success failed", "message_id", msg.ID, "error", err)
		}
	case transactionPermanentFailure:
		s.pool.Discard(client)
		if err := s.recorder.RecordFailure(ctx, msg, outcomeResult.reason, vmta.IP, mxHost); err != nil {
			s.logger.Error("record transaction failure failed", "message_id", msg.ID, "error", err)
		}
	case transactionServiceUnavailable:
		s.registry.Add(vmta.IP, mxHost, time.Now())
		s.pool.Discard(client)
		if err := s.recorder.RecordDeferral(ctx, msg, outcomeResult.reason, vmta.IP, mxHost, true); err != nil {
			s.logger.Error("record service-unavailable deferral failed", "message_id", msg.ID, "error", err)
		}
	case transactionDeferral:
		s.pool.Discard(client)
		if err := s.recorder.RecordDeferral(ctx, msg, outcomeResult.reason, vmta.IP, mxHost, false); err != nil {
			s.logger.Error("record deferral failed", "message_id", msg.ID, "error", err)
		}
	case transactionAbnormalEnd:
		// Step 9: any other exception mid-transaction.
		s.pool.Discard(client)
		if err := s.recorder.RecordDeferral(ctx, msg, "Connection was established but ended abruptly.", vmta.IP, mxHost, false); err != nil {
			s.logger.Error("record abrupt-end deferral failed", "message_id", msg.ID, "error", err)
		}
	}

	// Step 10: unconditional ack after a terminal outcome has been recorded.
	s.ack(ctx, msg)
}

func (s *Sender) ack(ctx context.Context, msg *QueuedMessage) {
	if err := s.broker.Ack(ctx, msg); err != nil {
		s.logger.Error("broker ack failed", "message_id", msg.ID, "error", err)
	}
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// transactionOutcomeKind classifies how the four-step SMTP transaction
// ended, mirroring the branches of §4.1 step 7-9.
type transactionOutcomeKind int

const (
	transactionSuccess transactionOutcomeKind = iota
	transactionPermanentFailure
	transactionServiceUnavailable
	transactionDeferral
	transactionAbnormalEnd
)

type transactionOutcome struct {
	kind   transactionOutcomeKind
	reason string
}

// runTransaction drives HELO/RSET -> MAIL FROM -> RCPT TO -> DATA in order.
// Each step's StepOutcome replaces the source's "throw from callback to
// abort transaction" idiom: a step that fails short-circuits the remaining
// steps and classifies the peer response into one of the outcome kinds
// without ever propagating a Go error for control flow.
func (s *Sender) runTransaction(ctx context.Context, client Client, from, to string, data []byte) transactionOutcome {
	if out := client.ExecHeloOrRset(ctx); !out.OK {
		return classifyStepFailure(out)
	}
	if out := client.ExecMailFrom(ctx, from); !out.OK {
		return classifyStepFailure(out)
	}
	if out := client.ExecRcptTo(ctx, to); !out.OK {
		return classifyStepFailure(out)
	}
	if out := client.ExecData(ctx, data); !out.OK {
		return classifyStepFailure(out)
	}
	return transactionOutcome{kind: transactionSuccess}
}

// classifyStepFailure applies the §4.1 step 7 callback policy to a step's
// outcome. A transport-level break (no peer reply to classify) is the
// mid-transaction "ended abruptly" case from step 9, not a generic deferral.
func classifyStepFailure(out StepOutcome) transactionOutcome {
	if out.Transport {
		return transactionOutcome{kind: transactionAbnormalEnd}
	}
	switch {
	case strings.HasPrefix(out.Response, "5"):
		return transactionOutcome{kind: transactionPermanentFailure, reason: out.Response}
	case strings.HasPrefix(out.Response, "421"):
		return transactionOutcome{kind: transactionServiceUnavailable, reason: out.Response}
	default:
		return transactionOutcome{kind: transactionDeferral, reason: out.Response}
	}
}

type parsedRecipient struct {
	raw    string
	domain string
}

// parseEnvelope validates the sender and recipient addresses, returning the
// recipient's domain for MX resolution.
func parseEnvelope(from, to string) (string, parsedRecipient, error) {
	if strings.TrimSpace(from) == "" {
		return "", parsedRecipient{}, errEmptyAddress
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return "", parsedRecipient{}, err
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 || at == len(addr.Address)-1 {
		return "", parsedRecipient{}, errEmptyAddress
	}
	return from, parsedRecipient{raw: addr.Address, domain: addr.Address[at+1:]}, nil
}
