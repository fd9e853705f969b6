// Package events models durable delivery events and forwards them to an
// operator-configured HTTP endpoint with at-least-once semantics.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the disjoint set of event kinds the core emits.
type Kind string

const (
	KindAbuse         Kind = "abuse"
	KindBounce        Kind = "bounce"
	KindTimedOutQueue Kind = "timed_out_in_queue"
	KindOther         Kind = "other"
)

// Event is a durable delivery event. Forwarded is strictly monotone
// (false->true once) and MUST NOT appear in the JSON posted to the forward
// endpoint — MarshalForWire produces the scrubbed wire shape instead of
// relying on a tag-based omission that a careless refactor could undo.
type Event struct {
	ID        string
	Kind      Kind
	MessageID string
	SourceIP  string
	MXHost    string
	Reason    string
	CreatedAt time.Time
	Forwarded bool
}

// NewEvent constructs an Event with a fresh ID and CreatedAt.
func NewEvent(kind Kind, messageID, sourceIP, mxHost, reason string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		MessageID: messageID,
		SourceIP:  sourceIP,
		MXHost:    mxHost,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

// abuseWire, bounceWire, timedOutWire and genericWire are the typed wire
// shapes dispatched on by event kind. None of them carry a Forwarded field,
// so scrubbing it is a property of the type rather than of a runtime regex
// pass over the serialized bytes.
type abuseWire struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	SourceIP  string    `json:"source_ip"`
	MXHost    string    `json:"mx_host"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type bounceWire struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	SourceIP  string    `json:"source_ip"`
	MXHost    string    `json:"mx_host"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type timedOutWire struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type genericWire struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	MessageID string    `json:"message_id"`
	SourceIP  string    `json:"source_ip,omitempty"`
	MXHost    string    `json:"mx_host,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalForWire serializes the event using the concrete sub-type chosen by
// its kind, per §4.5 step 2; the Forwarded flag never reaches the returned
// bytes.
func (e *Event) MarshalForWire() ([]byte, error) {
	switch e.Kind {
	case KindAbuse:
		return json.Marshal(abuseWire{
			ID: e.ID, MessageID: e.MessageID, SourceIP: e.SourceIP,
			MXHost: e.MXHost, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	case KindBounce:
		return json.Marshal(bounceWire{
			ID: e.ID, MessageID: e.MessageID, SourceIP: e.SourceIP,
			MXHost: e.MXHost, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	case KindTimedOutQueue:
		return json.Marshal(timedOutWire{
			ID: e.ID, MessageID: e.MessageID, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	default:
		return json.Marshal(genericWire{
			ID: e.ID, Kind: e.Kind, MessageID: e.MessageID, SourceIP: e.SourceIP,
			MXHost: e.MXHost, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	}
}
