// Package presence implements the ephemeral typing channel: TTL
// records swept periodically, never persisted across restarts.
package presence

import (
	"context"
	"sync"
	"time"

	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/models"
)

// Broadcaster fans a local typing signal out to other clients. A nil
// Broadcaster keeps the channel purely local (tests, offline).
type Broadcaster interface {
	BroadcastTyping(ctx context.Context, convID, userID string, isTyping bool, ttl time.Duration) error
}

// Subscriber attaches a per-conversation feed of remote typing
// records. The returned func detaches it.
type Subscriber interface {
	SubscribeTyping(convID string, apply func(models.TypingState)) (func(), error)
}

// Channel tracks who is typing where. Readers always re-check
// ExpiresAt so an unswept stale record is never visible longer than
// the TTL plus one sweep interval.
type Channel struct {
	userID string
	ttl    time.Duration
	sweep  time.Duration
	idle   time.Duration
	bc     Broadcaster
	sub    Subscriber

	mu sync.Mutex
	// table[convID][userID] = expiresAt (unix ns)
	table map[string]map[string]int64
	// burst debounce state for the local user
	active     map[string]bool
	idleTimers map[string]*time.Timer
	// per-conversation remote feed detach funcs
	unsubs map[string]func()

	cancel context.CancelFunc
}

// NewChannel builds a presence channel for the local user.
func NewChannel(userID string, ttl, sweepInterval, idleTimeout time.Duration, bc Broadcaster) *Channel {
	return &Channel{
		userID:     userID,
		ttl:        ttl,
		sweep:      sweepInterval,
		idle:       idleTimeout,
		bc:         bc,
		table:      map[string]map[string]int64{},
		active:     map[string]bool{},
		idleTimers: map[string]*time.Timer{},
		unsubs:     map[string]func(){},
	}
}

// SetSubscriber installs the remote typing feed source. Call before
// Watch; a nil subscriber keeps watches local-only.
func (c *Channel) SetSubscriber(sub Subscriber) { c.sub = sub }

// Watch attaches the remote typing feed for a conversation. Idempotent.
func (c *Channel) Watch(convID string) error {
	if c.sub == nil {
		return nil
	}
	c.mu.Lock()
	_, attached := c.unsubs[convID]
	c.mu.Unlock()
	if attached {
		return nil
	}
	unsub, err := c.sub.SubscribeTyping(convID, c.Apply)
	if err != nil {
		logger.Warn("typing_subscribe_failed", "conversation", convID, "error", err)
		return err
	}
	c.mu.Lock()
	if _, dup := c.unsubs[convID]; dup {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsubs[convID] = unsub
	c.mu.Unlock()
	return nil
}

// Unwatch detaches the remote typing feed and drops the conversation's
// records.
func (c *Channel) Unwatch(convID string) {
	c.mu.Lock()
	unsub := c.unsubs[convID]
	delete(c.unsubs, convID)
	if m, ok := c.table[convID]; ok {
		for user := range m {
			c.removeLocked(convID, user)
		}
	}
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Start launches the sweep loop. Stop cancels it.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(c.sweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.sweepExpired()
			}
		}
	}()
}

// Stop halts the sweep loop and clears local typing state.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for conv, t := range c.idleTimers {
		t.Stop()
		delete(c.idleTimers, conv)
	}
	unsubs := make([]func(), 0, len(c.unsubs))
	for conv, u := range c.unsubs {
		unsubs = append(unsubs, u)
		delete(c.unsubs, conv)
	}
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// SetTyping records the local user's typing state and broadcasts it.
// Debounced: one true write per active burst (repeat true refreshes
// the idle timer only), and a scheduled false after the idle timeout.
func (c *Channel) SetTyping(ctx context.Context, convID string, isTyping bool) error {
	c.mu.Lock()
	if isTyping {
		wasActive := c.active[convID]
		c.active[convID] = true
		c.storeLocked(convID, c.userID, time.Now().Add(c.ttl).UnixNano())
		if t, ok := c.idleTimers[convID]; ok {
			t.Reset(c.idle)
		} else {
			c.idleTimers[convID] = time.AfterFunc(c.idle, func() {
				_ = c.SetTyping(context.Background(), convID, false)
			})
		}
		c.mu.Unlock()
		if wasActive {
			return nil // duplicate true inside a burst is a no-op
		}
		return c.broadcast(ctx, convID, true)
	}

	if !c.active[convID] {
		c.mu.Unlock()
		return nil
	}
	c.active[convID] = false
	if t, ok := c.idleTimers[convID]; ok {
		t.Stop()
		delete(c.idleTimers, convID)
	}
	c.removeLocked(convID, c.userID)
	c.mu.Unlock()
	return c.broadcast(ctx, convID, false)
}

// Apply merges a remote typing signal into the table. A non-positive
// ExpiresAt clears the record (explicit stop).
func (c *Channel) Apply(st models.TypingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st.ExpiresAt <= 0 {
		c.removeLocked(st.ConversationID, st.UserID)
		return
	}
	c.storeLocked(st.ConversationID, st.UserID, st.ExpiresAt)
}

// Typing returns the users with an unexpired typing record in the
// conversation, excluding the local user.
func (c *Channel) Typing(convID string) []string {
	now := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for user, exp := range c.table[convID] {
		if user == c.userID {
			continue
		}
		if exp > now {
			out = append(out, user)
		}
	}
	return out
}

func (c *Channel) broadcast(ctx context.Context, convID string, isTyping bool) error {
	if c.bc == nil {
		return nil
	}
	if err := c.bc.BroadcastTyping(ctx, convID, c.userID, isTyping, c.ttl); err != nil {
		// Presence is best-effort; a dropped signal self-heals via TTL.
		logger.Warn("typing_broadcast_failed", "conversation", convID, "typing", isTyping, "error", err)
		return err
	}
	return nil
}

func (c *Channel) storeLocked(convID, userID string, expiresAt int64) {
	m, ok := c.table[convID]
	if !ok {
		m = map[string]int64{}
		c.table[convID] = m
	}
	if _, existed := m[userID]; !existed {
		metrics.TypingActive.Inc()
	}
	m[userID] = expiresAt
}

func (c *Channel) removeLocked(convID, userID string) {
	if m, ok := c.table[convID]; ok {
		if _, existed := m[userID]; existed {
			metrics.TypingActive.Dec()
		}
		delete(m, userID)
		if len(m) == 0 {
			delete(c.table, convID)
		}
	}
}

// sweepExpired deletes expired records in one pass; it runs on the
// sweep ticker rather than per-record timers.
func (c *Channel) sweepExpired() {
	now := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for conv, users := range c.table {
		for user, exp := range users {
			if exp <= now {
				metrics.TypingActive.Dec()
				delete(users, user)
			}
		}
		if len(users) == 0 {
			delete(c.table, conv)
		}
	}
}
