// Package mta implements the outbound delivery core: the dispatch loop that
// drains a broker of queued messages, selects a virtual MTA and destination
// mail exchanger, drives an SMTP client transaction to completion, and
// records the resulting outcome.
package mta

import (
	"context"
	"fmt"
	"time"
)

// QueuedMessage is a unit of outbound work, exclusively owned by whoever last
// dequeued it until it is acknowledged back to the broker.
type QueuedMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"` // local-part@host, exactly one recipient
	Data    []byte `json:"data"`
	GroupID string `json:"group_id"` // virtual-MTA group routing hint

	QueuedAt         time.Time `json:"queued_at"`
	AttemptSendAfter time.Time `json:"attempt_send_after"`

	// Attempts is a policy counter maintained by the Outcome Recorder; it has
	// no bearing on dispatch decisions beyond what the recorder does with it.
	Attempts int `json:"attempts"`
}

// TimedOut reports whether the message has exceeded maxTimeInQueue, measured
// against AttemptSendAfter per spec — see the open-question note in
// Sender.dispatchOnce.
func (m *QueuedMessage) TimedOut(maxTimeInQueue time.Duration) bool {
	return m.AttemptSendAfter.Sub(m.QueuedAt) > maxTimeInQueue
}

// MXRecord is one entry of a domain's mail-exchanger list.
type MXRecord struct {
	Host       string
	Preference int
}

// VirtualMTA is a source IP tagged with an operator-chosen HostName and a
// per-destination concurrency cap. ClientPool reads neither field: it greets
// with PoolConfig.HelloName and caps connections with
// PoolConfig.MaxConnectionsPerKey.
type VirtualMTA struct {
	IP                 string
	HostName           string
	MaxPerDestination  int
}

// VirtualMTAGroup is a non-empty ordered set of VirtualMTAs selected from by
// round-robin-over-destination policy.
type VirtualMTAGroup struct {
	ID   string
	MTAs []*VirtualMTA
}

// LeaseOutcome tags the result of a Pool.Lease call.
type LeaseOutcome string

const (
	LeaseSuccess              LeaseOutcome = "success"
	LeaseNoMxRecords          LeaseOutcome = "no_mx_records"
	LeaseFailedToAddToQueue   LeaseOutcome = "failed_to_add_to_queue"
	LeaseUnknown              LeaseOutcome = "unknown"
	LeaseFailedToConnect      LeaseOutcome = "failed_to_connect"
	LeaseServiceUnavailable   LeaseOutcome = "service_unavailable"
	LeaseThrottled            LeaseOutcome = "throttled"
	LeaseFailedMaxConnections LeaseOutcome = "failed_max_connections"
)

// UnavailabilityKey identifies a (source IP, destination host) pair that the
// Service-Unavailability Registry may have temporarily blacklisted.
type UnavailabilityKey struct {
	SourceIP string
	Host     string
}

// StepOutcome is what an SMTP transaction step returns in place of throwing
// through a "failed" callback: a terminal signal the dispatch loop branches
// on, carrying the verbatim peer response when the step did not succeed.
type StepOutcome struct {
	OK bool
	// Response is the verbatim peer reply line; only meaningful when !OK
	// and Transport is false.
	Response string
	// Transport marks a failure that never produced a structured peer
	// reply — a dropped connection, a read timeout — as distinct from a
	// reply the peer actually sent. The dispatch loop maps this straight
	// to the mid-transaction "ended abruptly" deferral instead of running
	// it through the 5xx/421/other classification meant for real replies.
	Transport bool
}

func stepOK() StepOutcome { return StepOutcome{OK: true} }

func stepFailed(response string) StepOutcome { return StepOutcome{OK: false, Response: response} }

func stepTransportFailed() StepOutcome { return StepOutcome{OK: false, Transport: true} }

// Client is the set of SMTP transaction steps the Pool lends out. Each step
// runs to completion and reports its own outcome; none of them throw.
type Client interface {
	ExecHeloOrRset(ctx context.Context) StepOutcome
	ExecMailFrom(ctx context.Context, addr string) StepOutcome
	ExecRcptTo(ctx context.Context, addr string) StepOutcome
	ExecData(ctx context.Context, raw []byte) StepOutcome

	SourceIP() string
	Host() string
}

// Broker is the durable outbound queue. Dequeue is non-blocking: it returns
// ok=false when nothing is ready rather than blocking the caller.
type Broker interface {
	Dequeue(ctx context.Context) (msg *QueuedMessage, ok bool, err error)
	Enqueue(ctx context.Context, msg *QueuedMessage) error
	Ack(ctx context.Context, msg *QueuedMessage) error
}

// Resolver resolves a domain's mail exchangers, ordered by ascending
// preference. An empty, non-error result means NXDOMAIN or no MX.
type Resolver interface {
	GetMX(ctx context.Context, host string) ([]MXRecord, error)
}

// VirtualMTAGroupStore looks up a configured virtual-MTA group by ID.
type VirtualMTAGroupStore interface {
	GetGroup(ctx context.Context, id string) (*VirtualMTAGroup, error)
}

// MTASelector picks a source IP for a destination, per §6's "on a group:
// GetVirtualMtaForSending(mx) -> VirtualMTA". Satisfied by *Selector; an
// interface so the dispatch loop can be driven against a fake in tests.
type MTASelector interface {
	GetVirtualMtaForSending(ctx context.Context, groupID string, mx MXRecord) (*VirtualMTA, error)
}

// Pool is the SMTP Client Pool's contract from §4.3. Satisfied by
// *ClientPool; an interface so the dispatch loop can be driven against a
// fake pool in tests.
type Pool interface {
	Lease(ctx context.Context, sourceIP string, mxRecords []MXRecord) (LeaseOutcome, Client, error)
	Return(client Client)
	Discard(client Client)
}

// Recorder converts a peer response or local error into a durable state
// transition on the message and, where applicable, an event. Every operation
// is idempotent per (message ID, outcome kind) and returns only once the
// durable write completes.
type Recorder interface {
	RecordSuccess(ctx context.Context, msg *QueuedMessage, sourceIP, mxHost string) error
	RecordFailure(ctx context.Context, msg *QueuedMessage, reason, sourceIP, mxHost string) error
	RecordTimeout(ctx context.Context, msg *QueuedMessage) error
	RecordDeferral(ctx context.Context, msg *QueuedMessage, reason, sourceIP, mxHost string, informServiceUnavailable bool) error
	RecordThrottle(ctx context.Context, msg *QueuedMessage, sourceIP, mxHost string) error
	RecordServiceUnavailable(ctx context.Context, msg *QueuedMessage, sourceIP string) error
}

// errEmptyAddress is returned by address parsing when a field is blank.
var errEmptyAddress = fmt.Errorf("empty address")
