package remote

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is the opaque remote authoritative store. Put is idempotent on
// correlationID: redelivering the same correlation id after an
// ambiguous failure returns the original ack instead of creating a
// second message.
type Store interface {
	Put(ctx context.Context, convID, corrID, senderID, body string) (Ack, error)
	// Subscribe streams events for one conversation from sinceTS
	// (exclusive). sinceTS == 0 requests a full replay.
	Subscribe(ctx context.Context, convID string, sinceTS int64) (Subscription, error)
	// Acknowledge records a per-recipient delivered/read receipt.
	Acknowledge(ctx context.Context, convID, canonicalID, userID string, kind ReceiptKind, ts int64) error
}

// Ack is the remote confirmation for a dispatched message.
type Ack struct {
	CanonicalID string `json:"canonical_id"`
	ServerTS    int64  `json:"server_ts"`
}

// Subscription is a live, cancellable event feed for one conversation.
// Events is closed when the feed ends; Err reports why.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close()
}

// ReceiptKind labels a receipt event.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// EventType discriminates the wire event union.
type EventType string

const (
	EventMessage EventType = "message"
	EventReceipt EventType = "receipt"
)

// Event is one remote feed entry: either a confirmed message or a
// per-recipient receipt.
type Event struct {
	Type    EventType     `json:"type"`
	Message *MessageEvent `json:"message,omitempty"`
	Receipt *ReceiptEvent `json:"receipt,omitempty"`
}

// MessageEvent is a server-confirmed message record. CorrelationID is
// optional on the wire: foreign messages may omit it, while echoes of
// our own sends carry it so pending entries can be replaced in place.
type MessageEvent struct {
	CanonicalID    string `json:"canonical_id"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	ServerTS       int64  `json:"server_ts"`
}

// ReceiptEvent carries one recipient's delivered/read acknowledgement.
type ReceiptEvent struct {
	ConversationID string      `json:"conversation_id"`
	CanonicalID    string      `json:"canonical_id"`
	UserID         string      `json:"user_id"`
	Kind           ReceiptKind `json:"kind"`
	TS             int64       `json:"ts"`
}

// DecodeEvent parses a wire event, distinguishing required from
// optional fields. A missing required field is an error, never a
// silently substituted default; callers log and count the anomaly and
// skip the event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("event decode: %w", err)
	}
	switch ev.Type {
	case EventMessage:
		m := ev.Message
		if m == nil {
			return Event{}, fmt.Errorf("event decode: message event without message body")
		}
		if m.CanonicalID == "" {
			return Event{}, fmt.Errorf("event decode: message missing canonical_id")
		}
		if m.ConversationID == "" {
			return Event{}, fmt.Errorf("event decode: message missing conversation_id")
		}
		if m.SenderID == "" {
			return Event{}, fmt.Errorf("event decode: message missing sender_id")
		}
		if m.ServerTS == 0 {
			return Event{}, fmt.Errorf("event decode: message missing server_ts")
		}
	case EventReceipt:
		r := ev.Receipt
		if r == nil {
			return Event{}, fmt.Errorf("event decode: receipt event without receipt body")
		}
		if r.CanonicalID == "" {
			return Event{}, fmt.Errorf("event decode: receipt missing canonical_id")
		}
		if r.UserID == "" {
			return Event{}, fmt.Errorf("event decode: receipt missing user_id")
		}
		if r.Kind != ReceiptDelivered && r.Kind != ReceiptRead {
			return Event{}, fmt.Errorf("event decode: receipt has unknown kind %q", r.Kind)
		}
	default:
		return Event{}, fmt.Errorf("event decode: unknown event type %q", ev.Type)
	}
	return ev, nil
}
