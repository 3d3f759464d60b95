package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"msgsync/pkg/models"
)

type countingBroadcaster struct {
	mu    sync.Mutex
	calls []bool
}

func (b *countingBroadcaster) BroadcastTyping(ctx context.Context, convID, userID string, isTyping bool, ttl time.Duration) error {
	b.mu.Lock()
	b.calls = append(b.calls, isTyping)
	b.mu.Unlock()
	return nil
}

func (b *countingBroadcaster) sent() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.calls...)
}

func TestApplyAndExpiry(t *testing.T) {
	c := NewChannel("alice", 50*time.Millisecond, time.Hour, time.Hour, nil)

	c.Apply(models.TypingState{ConversationID: "c1", UserID: "bob", ExpiresAt: time.Now().Add(40 * time.Millisecond).UnixNano()})
	users := c.Typing("c1")
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("expected bob typing, got %v", users)
	}

	// past the TTL the record is invisible even before any sweep runs
	time.Sleep(60 * time.Millisecond)
	if users := c.Typing("c1"); len(users) != 0 {
		t.Fatalf("expired record still visible: %v", users)
	}
}

func TestApplyExplicitStopClears(t *testing.T) {
	c := NewChannel("alice", time.Minute, time.Hour, time.Hour, nil)

	c.Apply(models.TypingState{ConversationID: "c1", UserID: "bob", ExpiresAt: time.Now().Add(time.Minute).UnixNano()})
	if len(c.Typing("c1")) != 1 {
		t.Fatalf("record not stored")
	}
	c.Apply(models.TypingState{ConversationID: "c1", UserID: "bob", ExpiresAt: 0})
	if users := c.Typing("c1"); len(users) != 0 {
		t.Fatalf("explicit stop did not clear: %v", users)
	}
}

func TestTypingExcludesLocalUser(t *testing.T) {
	c := NewChannel("alice", time.Minute, time.Hour, time.Hour, nil)

	exp := time.Now().Add(time.Minute).UnixNano()
	c.Apply(models.TypingState{ConversationID: "c1", UserID: "alice", ExpiresAt: exp})
	c.Apply(models.TypingState{ConversationID: "c1", UserID: "bob", ExpiresAt: exp})
	users := c.Typing("c1")
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("local user must be excluded, got %v", users)
	}
}

func TestSetTypingDebounce(t *testing.T) {
	bc := &countingBroadcaster{}
	c := NewChannel("alice", time.Minute, time.Hour, time.Hour, bc)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := c.SetTyping(ctx, "c1", true); err != nil {
			t.Fatalf("set typing: %v", err)
		}
	}
	if calls := bc.sent(); len(calls) != 1 || !calls[0] {
		t.Fatalf("burst must broadcast exactly one true, got %v", calls)
	}

	if err := c.SetTyping(ctx, "c1", false); err != nil {
		t.Fatalf("stop typing: %v", err)
	}
	calls := bc.sent()
	if len(calls) != 2 || calls[1] {
		t.Fatalf("stop must broadcast one false, got %v", calls)
	}

	// stop while not active is a no-op
	if err := c.SetTyping(ctx, "c1", false); err != nil {
		t.Fatalf("redundant stop: %v", err)
	}
	if calls := bc.sent(); len(calls) != 2 {
		t.Fatalf("redundant stop broadcast something: %v", calls)
	}

	// a new burst starts a new true
	if err := c.SetTyping(ctx, "c1", true); err != nil {
		t.Fatalf("new burst: %v", err)
	}
	if calls := bc.sent(); len(calls) != 3 || !calls[2] {
		t.Fatalf("new burst must broadcast true, got %v", calls)
	}
}

func TestIdleTimeoutStopsBurst(t *testing.T) {
	bc := &countingBroadcaster{}
	c := NewChannel("alice", time.Minute, time.Hour, 30*time.Millisecond, bc)

	if err := c.SetTyping(context.Background(), "c1", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		calls := bc.sent()
		if len(calls) == 2 && !calls[1] {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("idle timeout never broadcast false: %v", bc.sent())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := NewChannel("alice", time.Minute, 10*time.Millisecond, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	c.Apply(models.TypingState{ConversationID: "c1", UserID: "bob", ExpiresAt: time.Now().Add(20 * time.Millisecond).UnixNano()})

	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		_, present := c.table["c1"]
		c.mu.Unlock()
		if !present {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sweep never removed the expired record")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type fakeFeed struct {
	mu       sync.Mutex
	attached map[string]func(models.TypingState)
	detached []string
}

func (f *fakeFeed) SubscribeTyping(convID string, apply func(models.TypingState)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = map[string]func(models.TypingState){}
	}
	f.attached[convID] = apply
	return func() {
		f.mu.Lock()
		f.detached = append(f.detached, convID)
		f.mu.Unlock()
	}, nil
}

func TestWatchUnwatch(t *testing.T) {
	feed := &fakeFeed{}
	c := NewChannel("alice", time.Minute, time.Hour, time.Hour, nil)
	c.SetSubscriber(feed)

	if err := c.Watch("c1"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := c.Watch("c1"); err != nil {
		t.Fatalf("watch again: %v", err)
	}
	feed.mu.Lock()
	apply := feed.attached["c1"]
	feed.mu.Unlock()
	if apply == nil {
		t.Fatalf("feed not attached")
	}

	apply(models.TypingState{ConversationID: "c1", UserID: "bob", ExpiresAt: time.Now().Add(time.Minute).UnixNano()})
	if len(c.Typing("c1")) != 1 {
		t.Fatalf("remote signal not applied")
	}

	c.Unwatch("c1")
	feed.mu.Lock()
	detached := len(feed.detached)
	feed.mu.Unlock()
	if detached != 1 {
		t.Fatalf("expected one detach, got %d", detached)
	}
	if len(c.Typing("c1")) != 0 {
		t.Fatalf("records must drop with the watch")
	}
}
