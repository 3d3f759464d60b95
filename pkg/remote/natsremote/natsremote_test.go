package natsremote

import (
	"errors"
	"fmt"
	"testing"

	"msgsync/pkg/remote"
)

func wireMessage(canonID string, serverTS int64) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"message","message":{"canonical_id":%q,"conversation_id":"c1","sender_id":"bob","body":"hi","server_ts":%d}}`,
		canonID, serverTS))
}

func TestDeliverQueuesDecodedEvent(t *testing.T) {
	s := &subscription{ch: make(chan remote.Event, 4)}

	s.deliver(wireMessage("srv-1", 1000))

	select {
	case ev := <-s.ch:
		if ev.Type != remote.EventMessage || ev.Message.CanonicalID != "srv-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("event not queued")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("healthy feed reported error: %v", err)
	}
}

func TestDeliverOverflowFailsFeed(t *testing.T) {
	s := &subscription{ch: make(chan remote.Event, 1)}

	s.deliver(wireMessage("srv-1", 1000))
	s.deliver(wireMessage("srv-2", 2000))

	// the buffered event is still readable, then the channel closes
	ev, ok := <-s.ch
	if !ok || ev.Message.CanonicalID != "srv-1" {
		t.Fatalf("expected buffered srv-1, got ok=%v ev=%+v", ok, ev)
	}
	if _, ok := <-s.ch; ok {
		t.Fatal("channel still open after overflow")
	}
	if err := s.Err(); !errors.Is(err, remote.ErrListener) {
		t.Fatalf("expected listener error, got %v", err)
	}

	// overflowed events never surface as silent drops later
	s.deliver(wireMessage("srv-3", 3000))
	if err := s.Err(); !errors.Is(err, remote.ErrListener) {
		t.Fatalf("error lost after post-failure deliver: %v", err)
	}
}

func TestDeliverRejectsBrokenEvent(t *testing.T) {
	s := &subscription{ch: make(chan remote.Event, 4)}

	s.deliver([]byte(`{"type":"message","message":{"conversation_id":"c1"}}`))

	select {
	case ev := <-s.ch:
		t.Fatalf("broken event queued: %+v", ev)
	default:
	}
	if err := s.Err(); err != nil {
		t.Fatalf("decode failure must not close the feed: %v", err)
	}
}
