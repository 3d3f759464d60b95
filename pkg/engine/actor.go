package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrEngineClosed reports a mutation attempted after the engine
// stopped; the write never reached the store.
var ErrEngineClosed = errors.New("sync engine closed")

// conversation is the per-conversation actor: one goroutine owns every
// mutation of the conversation's state, so pipeline writes, merges, and
// receipt updates never interleave. The actor lives for the engine's
// lifetime; only the subscription is torn down when the view closes.
type conversation struct {
	id      string
	mailbox chan func()

	// drain wakes the offline-queue drainer; buffered so a poke while
	// draining coalesces instead of blocking.
	drain chan struct{}

	mu        sync.Mutex
	focused   bool
	subCancel context.CancelFunc
}

// conv returns the conversation actor, creating and starting it on
// first use.
func (e *Engine) conv(convID string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.convs[convID]; ok {
		return c
	}
	c := &conversation{
		id:      convID,
		mailbox: make(chan func(), 256),
		drain:   make(chan struct{}, 1),
	}
	e.convs[convID] = c
	e.wg.Add(2)
	go c.run(e)
	go e.drainLoop(c)
	return c
}

func (c *conversation) run(e *Engine) {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case fn := <-c.mailbox:
			fn()
		}
	}
}

// doWait schedules fn on the actor and blocks until it ran. Used by
// the synchronous half of the send pipeline and by reads that need the
// actor's ordering. When the engine stops before fn executes it
// returns ErrEngineClosed, so callers never report success for work
// that was never applied.
func (c *conversation) doWait(e *Engine, fn func()) error {
	done := make(chan struct{})
	select {
	case <-e.rootCtx.Done():
		return ErrEngineClosed
	case c.mailbox <- func() { defer close(done); fn() }:
	}
	select {
	case <-done:
		return nil
	case <-e.rootCtx.Done():
		// the actor may have dequeued fn just as the engine stopped
		select {
		case <-done:
			return nil
		default:
			return ErrEngineClosed
		}
	}
}

func (c *conversation) setFocused(v bool) {
	c.mu.Lock()
	c.focused = v
	c.mu.Unlock()
}

func (c *conversation) isFocused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

func (c *conversation) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subCancel != nil
}

// subscribeOnce attaches the live remote feed if not already attached.
func (c *conversation) subscribeOnce(e *Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(e.rootCtx)
	c.subCancel = cancel
	e.wg.Add(1)
	go e.runSubscription(ctx, c)
}

// unsubscribe detaches the live feed; pending sends are untouched.
func (c *conversation) unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
}

// clearSubscription is called by the subscription loop on exit so a
// later subscribeOnce can reattach.
func (c *conversation) clearSubscription() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
}

// wakeDrainer starts (or pokes) the conversation's offline-queue
// drainer.
func (c *conversation) wakeDrainer() {
	select {
	case c.drain <- struct{}{}:
	default:
	}
}
