package engine

import (
	"context"
	"errors"
	"time"

	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/models"
	"msgsync/pkg/remote"
	"msgsync/pkg/store"
)

const (
	subscribeBackoffStart = time.Second
	subscribeBackoffMax   = 30 * time.Second
	// after this many consecutive listener failures a bounded resume is
	// abandoned and the next attach replays from scratch
	fullResyncAfterFailures = 5
)

// runSubscription owns one conversation's live feed: attach, consume,
// and on interruption resubscribe from the persisted watermark with
// bounded backoff, escalating to a full resync when resumes keep
// failing or the watermark is too stale.
func (e *Engine) runSubscription(ctx context.Context, c *conversation) {
	defer e.wg.Done()
	defer c.clearSubscription()

	backoff := subscribeBackoffStart
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		since := e.resumePoint(c.id, failures)
		sub, err := e.rs.Subscribe(ctx, c.id, since)
		if err != nil {
			failures++
			logger.Warn("subscribe_failed", "conversation", c.id, "failures", failures, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > subscribeBackoffMax {
				backoff = subscribeBackoffMax
			}
			continue
		}

		metrics.OpenSubscriptions.Inc()
		logger.Info("subscription_attached", "conversation", c.id, "since", since)
		backoff = subscribeBackoffStart
		failures = 0

		for ev := range sub.Events() {
			e.applyEvent(c, ev)
		}
		metrics.OpenSubscriptions.Dec()
		sub.Close()

		if ctx.Err() != nil {
			return
		}
		failures++
		logger.Warn("subscription_interrupted", "conversation", c.id, "error", errors.Join(remote.ErrListener, sub.Err()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > subscribeBackoffMax {
			backoff = subscribeBackoffMax
		}
	}
}

// resumePoint picks the subscription start: the persisted watermark for
// a bounded resync, or zero (full replay) on first launch, when the gap
// exceeds the configured threshold, or when resumes keep failing.
func (e *Engine) resumePoint(convID string, failures int) int64 {
	if failures > fullResyncAfterFailures {
		logger.Warn("escalating_to_full_resync", "conversation", convID, "failures", failures)
		return 0
	}
	conv, err := e.st.GetConversation(convID)
	if err != nil || conv.LastSyncedTS == 0 {
		return 0
	}
	gap := time.Duration(time.Now().UTC().UnixNano() - conv.LastSyncedTS)
	if gap > e.cfg.ResyncGap {
		logger.Info("watermark_too_stale", "conversation", convID, "gap", gap)
		return 0
	}
	return conv.LastSyncedTS
}

func (e *Engine) applyEvent(c *conversation, ev remote.Event) {
	switch ev.Type {
	case remote.EventMessage:
		e.applyMessage(c, *ev.Message)
	case remote.EventReceipt:
		e.applyReceipt(c, *ev.Receipt)
	default:
		metrics.DecodeAnomalies.Inc()
		logger.Warn("unknown_event_type", "conversation", c.id, "type", ev.Type)
	}
}

// applyMessage merges one confirmed message event: replayed ids are
// absorbed, a matching local-pending row is replaced in place, and
// everything else inserts in (serverTS, canonicalID) order.
func (e *Engine) applyMessage(c *conversation, me remote.MessageEvent) {
	_ = c.doWait(e, func() {
		if _, dup := e.seen.Get(me.CanonicalID); dup {
			metrics.EventsDuplicate.Inc()
			e.advanceWatermark(c.id, me.ServerTS)
			return
		}
		if ok, err := e.st.HasCanonical(me.CanonicalID); err != nil {
			logger.Error("dedup_lookup_failed", "conversation", c.id, "canonical_id", me.CanonicalID, "error", err)
			return
		} else if ok {
			e.seen.Add(me.CanonicalID, struct{}{})
			metrics.EventsDuplicate.Inc()
			e.advanceWatermark(c.id, me.ServerTS)
			return
		}

		if me.CorrelationID != "" {
			if _, err := e.st.Get(c.id, me.CorrelationID); err == nil {
				m, hadPending, cerr := e.st.Confirm(c.id, me.CorrelationID, me.CanonicalID, me.ServerTS)
				if cerr != nil {
					logger.Error("merge_confirm_failed", "conversation", c.id, "correlation_id", me.CorrelationID, "error", cerr)
					return
				}
				e.seen.Add(me.CanonicalID, struct{}{})
				metrics.EventsApplied.Inc()
				if hadPending {
					metrics.PendingMessages.Dec()
				}
				e.bumpSnapshot(c.id, m)
				e.advanceWatermark(c.id, me.ServerTS)
				e.notify(ChangeEvent{Kind: ChangeUpdated, Message: *m})
				return
			} else if !errors.Is(err, store.ErrNotFound) {
				logger.Error("merge_lookup_failed", "conversation", c.id, "correlation_id", me.CorrelationID, "error", err)
				return
			}
		}

		m := models.Message{
			CorrelationID:  me.CorrelationID,
			CanonicalID:    me.CanonicalID,
			ConversationID: c.id,
			SenderID:       me.SenderID,
			Body:           me.Body,
			ServerTS:       me.ServerTS,
			Status:         models.StatusSent,
		}
		foreign := me.SenderID != e.sess.UserID
		focused := c.isFocused()
		now := time.Now().UTC().UnixNano()
		if foreign {
			// the recipient's own client writes its delivered entry the
			// moment it observes the message
			m.MarkDelivered(e.sess.UserID, now)
			if focused {
				m.MarkRead(e.sess.UserID, now)
			}
		}
		if err := e.st.InsertConfirmed(&m); err != nil {
			logger.Error("merge_insert_failed", "conversation", c.id, "canonical_id", me.CanonicalID, "error", err)
			return
		}
		e.seen.Add(me.CanonicalID, struct{}{})
		metrics.EventsApplied.Inc()
		e.bumpSnapshot(c.id, &m)
		e.advanceWatermark(c.id, me.ServerTS)

		var convRow models.Conversation
		if foreign && !focused {
			e.mutateConv(c.id, func(cv *models.Conversation) {
				cv.Unread++
				convRow = *cv
			})
		}
		e.notify(ChangeEvent{Kind: ChangeAdded, Message: m})

		if foreign {
			go e.acknowledge(c.id, me.CanonicalID, remote.ReceiptDelivered, now)
			if focused {
				go e.acknowledge(c.id, me.CanonicalID, remote.ReceiptRead, now)
			} else if e.notifier != nil {
				e.notifier.NotifyNewMessage(convRow, m)
			}
		}
	})
}

// applyReceipt folds one recipient's delivered/read entry into the
// message's append-only maps and recomputes the sender-visible
// aggregate status.
func (e *Engine) applyReceipt(c *conversation, re remote.ReceiptEvent) {
	_ = c.doWait(e, func() {
		convID, corrID, ok, err := e.st.CanonicalLocator(re.CanonicalID)
		if err != nil {
			logger.Error("receipt_lookup_failed", "canonical_id", re.CanonicalID, "error", err)
			return
		}
		if !ok {
			// receipt raced ahead of its message; the message event will
			// carry the entry again on the next resync
			logger.Debug("receipt_for_unknown_message", "conversation", c.id, "canonical_id", re.CanonicalID)
			return
		}
		changed := false
		m, err := e.st.Update(convID, corrID, func(m *models.Message) (bool, error) {
			switch re.Kind {
			case remote.ReceiptRead:
				changed = m.MarkRead(re.UserID, re.TS)
				// read implies delivered
				m.MarkDelivered(re.UserID, re.TS)
			default:
				changed = m.MarkDelivered(re.UserID, re.TS)
			}
			if conv, cerr := e.st.GetConversation(convID); cerr == nil {
				if agg := m.AggregateStatus(conv.ParticipantIDs); models.CanTransition(m.Status, agg) {
					m.Status = agg
					changed = true
				}
			}
			return changed, nil
		})
		if err != nil {
			logger.Error("receipt_write_failed", "conversation", convID, "correlation_id", corrID, "error", err)
			return
		}
		if changed {
			metrics.ReceiptsApplied.Inc()
			e.notify(ChangeEvent{Kind: ChangeUpdated, Message: *m})
		}
	})
}

// advanceWatermark persists the bounded-resync resume point.
func (e *Engine) advanceWatermark(convID string, ts int64) {
	e.mutateConv(convID, func(cv *models.Conversation) {
		if ts > cv.LastSyncedTS {
			cv.LastSyncedTS = ts
		}
	})
}

// mutateConv loads, mutates, and rewrites the conversation row.
func (e *Engine) mutateConv(convID string, fn func(*models.Conversation)) {
	conv, err := e.st.GetConversation(convID)
	if err != nil {
		logger.Warn("conversation_load_failed", "conversation", convID, "error", err)
		return
	}
	fn(conv)
	if err := e.st.UpsertConversation(conv); err != nil {
		logger.Warn("conversation_write_failed", "conversation", convID, "error", err)
	}
}

// acknowledge pushes a receipt to the remote store. Receipts are
// best-effort: a lost one re-converges through the eventual model.
func (e *Engine) acknowledge(convID, canonicalID string, kind remote.ReceiptKind, ts int64) {
	ctx, cancel := context.WithTimeout(e.rootCtx, e.cfg.RequestTimeout)
	defer cancel()
	if err := e.rs.Acknowledge(ctx, convID, canonicalID, e.sess.UserID, kind, ts); err != nil {
		logger.Warn("receipt_dispatch_failed", "conversation", convID, "canonical_id", canonicalID, "kind", kind, "error", err)
	}
}
