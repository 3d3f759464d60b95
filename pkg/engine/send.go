package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/models"
	"msgsync/pkg/remote"
	"msgsync/pkg/store"
)

// Validation errors surfaced to callers before anything is written.
var (
	ErrEmptyBody    = errors.New("empty message body")
	ErrBodyTooLarge = errors.New("message body too large")
)

// Send optimistically writes the message and returns once it is
// durably local-pending; network I/O never blocks the caller. The
// generated correlation id is the permanent dedup key: a retried
// dispatch after an ambiguous failure can never create a second
// message.
func (e *Engine) Send(ctx context.Context, convID, body string) (models.Message, error) {
	if body == "" {
		return models.Message{}, ErrEmptyBody
	}
	if e.cfg.MaxBodyBytes > 0 && int64(len(body)) > e.cfg.MaxBodyBytes {
		return models.Message{}, fmt.Errorf("%w: %d over limit %d", ErrBodyTooLarge, len(body), e.cfg.MaxBodyBytes)
	}

	m := models.Message{
		CorrelationID:  uuid.NewString(),
		ConversationID: convID,
		SenderID:       e.sess.UserID,
		Body:           body,
		ClientTS:       time.Now().UTC().UnixNano(),
		Status:         models.StatusSending,
	}

	c := e.conv(convID)
	var err error
	if werr := c.doWait(e, func() {
		if err = e.st.PutPending(&m); err != nil {
			return
		}
		e.bumpSnapshot(convID, &m)
		metrics.MessagesSent.Inc()
		metrics.PendingMessages.Inc()
		// durable first, then visible: the UI never shows state that
		// would vanish on crash
		e.notify(ChangeEvent{Kind: ChangeAdded, Message: m})
	}); werr != nil {
		return models.Message{}, werr
	}
	if err != nil {
		logger.Error("send_local_write_failed", "conversation", convID, "error", err)
		return models.Message{}, err
	}
	c.wakeDrainer()
	return m, nil
}

// Retry is the manual affordance for a permanently-failed message:
// failed re-enters sending and the message rejoins the back of the
// conversation's queue.
func (e *Engine) Retry(ctx context.Context, convID, corrID string) error {
	c := e.conv(convID)
	var err error
	werr := c.doWait(e, func() {
		var m *models.Message
		m, err = e.st.Get(convID, corrID)
		if err != nil {
			return
		}
		if m.Status != models.StatusFailed {
			err = fmt.Errorf("message %s is %s, not failed", corrID, m.Status)
			return
		}
		m, err = e.st.Update(convID, corrID, func(m *models.Message) (bool, error) {
			m.Status = models.StatusSending
			m.Attempts = 0
			return true, nil
		})
		if err != nil {
			return
		}
		if err = e.st.RequeuePending(convID, corrID); err != nil {
			return
		}
		metrics.PendingMessages.Inc()
		e.notify(ChangeEvent{Kind: ChangeUpdated, Message: *m})
	})
	if werr != nil {
		return werr
	}
	if err != nil {
		return err
	}
	c.wakeDrainer()
	return nil
}

// drainLoop services one conversation's offline queue. It parks until
// woken (new send, connectivity regained, foreground, manual retry)
// and then dispatches the queue head-first, preserving the sender's
// perceived order within the conversation.
func (e *Engine) drainLoop(c *conversation) {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-c.drain:
		}
		e.drainQueue(c)
	}
}

func (e *Engine) drainQueue(c *conversation) {
	for {
		if e.rootCtx.Err() != nil || !e.online.Load() {
			return // parked; the next wake resumes from the queue head
		}
		var corrIDs []string
		var err error
		if c.doWait(e, func() { corrIDs, err = e.st.PendingCorrIDs(c.id) }) != nil {
			return
		}
		if err != nil {
			logger.Error("pending_read_failed", "conversation", c.id, "error", err)
			return
		}
		if len(corrIDs) == 0 {
			return
		}
		if !e.dispatchHead(c, corrIDs[0]) {
			return
		}
	}
}

// dispatchHead pushes the queue head to the remote store. It returns
// false when the drainer should park (shutdown or connectivity); a
// true return means the loop may look at the queue again, whether the
// head succeeded, failed permanently, or was retried in place.
func (e *Engine) dispatchHead(c *conversation, corrID string) bool {
	var m *models.Message
	var err error
	if c.doWait(e, func() { m, err = e.st.Get(c.id, corrID) }) != nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		// orphaned queue row; the janitor also sweeps these
		_ = c.doWait(e, func() { _ = e.st.DropPending(c.id, corrID) })
		return true
	}
	if err != nil {
		logger.Error("dispatch_load_failed", "conversation", c.id, "correlation_id", corrID, "error", err)
		return false
	}
	if m.Confirmed() {
		// confirmed through the live feed while queued
		_ = c.doWait(e, func() { _ = e.st.DropPending(c.id, corrID) })
		metrics.PendingMessages.Dec()
		return true
	}

	if err := e.limiter.Wait(e.rootCtx); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(e.rootCtx, e.cfg.RequestTimeout)
	t0 := time.Now()
	ack, perr := e.rs.Put(ctx, c.id, corrID, m.SenderID, m.Body)
	cancel()
	metrics.DispatchSeconds.Observe(time.Since(t0).Seconds())

	switch {
	case perr == nil, errors.Is(perr, remote.ErrConflict):
		// a conflict means an earlier dispatch landed; the ack carries
		// the original identity and apply stays idempotent
		e.applyAck(c, corrID, ack)
		return true
	case remote.Terminal(perr):
		metrics.SendFailures.WithLabelValues("permission").Inc()
		logger.Warn("dispatch_rejected", "conversation", c.id, "correlation_id", corrID, "error", perr)
		e.failPermanently(c, corrID)
		return true
	default:
		metrics.SendFailures.WithLabelValues("network").Inc()
		return e.backoffOrFail(c, corrID)
	}
}

// applyAck maps the pending row to its confirmed identity in place.
// If the engine stops first the pending row survives and the next
// dispatch reconfirms through the same correlation id.
func (e *Engine) applyAck(c *conversation, corrID string, ack remote.Ack) {
	_ = c.doWait(e, func() {
		m, hadPending, err := e.st.Confirm(c.id, corrID, ack.CanonicalID, ack.ServerTS)
		if err != nil {
			logger.Error("confirm_write_failed", "conversation", c.id, "correlation_id", corrID, "error", err)
			return
		}
		e.seen.Add(ack.CanonicalID, struct{}{})
		if hadPending {
			metrics.PendingMessages.Dec()
		}
		e.bumpSnapshot(c.id, m)
		e.notify(ChangeEvent{Kind: ChangeUpdated, Message: *m})
	})
}

// backoffOrFail bumps the attempt counter and either sleeps the
// per-message backoff (head retried in place, keeping FIFO order) or
// marks the message permanently failed once the cap is reached.
func (e *Engine) backoffOrFail(c *conversation, corrID string) bool {
	var attempts int
	if c.doWait(e, func() {
		m, err := e.st.Update(c.id, corrID, func(m *models.Message) (bool, error) {
			m.Attempts++
			m.LastAttemptTS = time.Now().UTC().UnixNano()
			return true, nil
		})
		if err != nil {
			logger.Error("attempt_bump_failed", "conversation", c.id, "correlation_id", corrID, "error", err)
			attempts = e.cfg.RetryMaxAttempts
			return
		}
		attempts = m.Attempts
	}) != nil {
		return false
	}
	if attempts >= e.cfg.RetryMaxAttempts {
		logger.Warn("retry_cap_reached", "conversation", c.id, "correlation_id", corrID, "attempts", attempts)
		e.failPermanently(c, corrID)
		return true
	}
	metrics.Retries.Inc()
	d := e.backoff(attempts)
	logger.Info("dispatch_retry_scheduled", "conversation", c.id, "correlation_id", corrID, "attempt", attempts, "backoff", d)
	select {
	case <-e.rootCtx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (e *Engine) failPermanently(c *conversation, corrID string) {
	_ = c.doWait(e, func() {
		m, changed, err := e.st.UpdateStatus(c.id, corrID, models.StatusFailed)
		if err != nil {
			logger.Error("fail_write_failed", "conversation", c.id, "correlation_id", corrID, "error", err)
			return
		}
		if err := e.st.DropPending(c.id, corrID); err == nil {
			metrics.PendingMessages.Dec()
		}
		if changed {
			e.notify(ChangeEvent{Kind: ChangeUpdated, Message: *m})
		}
	})
}

// backoff computes the exponential delay with jitter for the given
// attempt count (1-based).
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.RetryBaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.RetryMaxBackoff {
			d = e.cfg.RetryMaxBackoff
			break
		}
	}
	// full jitter in [d/2, d)
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// bumpSnapshot refreshes the conversation's denormalized last-message
// snapshot when m is at least as new as the current tail.
func (e *Engine) bumpSnapshot(convID string, m *models.Message) {
	conv, err := e.st.GetConversation(convID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("snapshot_load_failed", "conversation", convID, "error", err)
		}
		return
	}
	ts := m.ServerTS
	if ts == 0 {
		ts = m.ClientTS
	}
	if conv.LastMessage != nil && conv.LastMessage.TS > ts {
		return
	}
	conv.LastMessage = &models.LastMessageSnapshot{Body: m.Body, TS: ts, SenderID: m.SenderID}
	conv.UpdatedTS = time.Now().UTC().UnixNano()
	if err := e.st.UpsertConversation(conv); err != nil {
		logger.Warn("snapshot_write_failed", "conversation", convID, "error", err)
	}
}
