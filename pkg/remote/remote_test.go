package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestDecodeEventMessage(t *testing.T) {
	data := []byte(`{"type":"message","message":{"canonical_id":"srv-1","conversation_id":"c1","sender_id":"bob","body":"hi","server_ts":1000}}`)
	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventMessage || ev.Message == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Message.CanonicalID != "srv-1" || ev.Message.ServerTS != 1000 {
		t.Fatalf("fields lost: %+v", ev.Message)
	}
	// correlation id is optional for foreign messages
	if ev.Message.CorrelationID != "" {
		t.Fatalf("unexpected correlation id: %q", ev.Message.CorrelationID)
	}
}

func TestDecodeEventRejectsMissingRequiredFields(t *testing.T) {
	cases := []string{
		`{"type":"message","message":{"conversation_id":"c1","sender_id":"bob","server_ts":1}}`,      // no canonical_id
		`{"type":"message","message":{"canonical_id":"x","sender_id":"bob","server_ts":1}}`,          // no conversation_id
		`{"type":"message","message":{"canonical_id":"x","conversation_id":"c1","server_ts":1}}`,     // no sender_id
		`{"type":"message","message":{"canonical_id":"x","conversation_id":"c1","sender_id":"bob"}}`, // no server_ts
		`{"type":"message"}`, // no payload
		`{"type":"receipt","receipt":{"user_id":"bob","kind":"read"}}`,                    // no canonical_id
		`{"type":"receipt","receipt":{"canonical_id":"x","kind":"read"}}`,                 // no user_id
		`{"type":"receipt","receipt":{"canonical_id":"x","user_id":"bob","kind":"seen"}}`, // bad kind
		`{"type":"presence"}`, // unknown type
		`not json`,
	}
	for i, c := range cases {
		if _, err := DecodeEvent([]byte(c)); err == nil {
			t.Fatalf("case %d: expected decode error for %s", i, c)
		}
	}
}

func TestDecodeEventReceipt(t *testing.T) {
	data := []byte(`{"type":"receipt","receipt":{"conversation_id":"c1","canonical_id":"srv-1","user_id":"bob","kind":"delivered","ts":5}}`)
	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventReceipt || ev.Receipt == nil || ev.Receipt.Kind != ReceiptDelivered {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestErrorClassification(t *testing.T) {
	if Transient(nil) {
		t.Fatalf("nil is not transient")
	}
	if !Transient(fmt.Errorf("dial: %w", ErrNetwork)) {
		t.Fatalf("network errors are transient")
	}
	if !Transient(errors.New("something unclassified")) {
		t.Fatalf("unclassified errors must be treated as transient")
	}
	for _, err := range []error{ErrPermission, ErrConflict, ErrStorage} {
		if Transient(err) {
			t.Fatalf("%v must not be transient", err)
		}
	}
	if !Terminal(ErrPermission) || Terminal(ErrNetwork) {
		t.Fatalf("only permission errors are terminal")
	}
}

func TestOfflineStub(t *testing.T) {
	ctx := context.Background()
	var s Store = Offline{}
	if _, err := s.Put(ctx, "c1", "m1", "alice", "x"); !errors.Is(err, ErrNetwork) {
		t.Fatalf("offline put: %v", err)
	}
	if _, err := s.Subscribe(ctx, "c1", 0); !errors.Is(err, ErrNetwork) {
		t.Fatalf("offline subscribe: %v", err)
	}
	if err := s.Acknowledge(ctx, "c1", "srv-1", "alice", ReceiptRead, 0); !errors.Is(err, ErrNetwork) {
		t.Fatalf("offline acknowledge: %v", err)
	}
}
