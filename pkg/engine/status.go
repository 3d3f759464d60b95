package engine

import (
	"context"
	"time"

	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/models"
	"msgsync/pkg/remote"
)

// MarkConversationRead records the local user's read entry on every
// confirmed foreign message in the conversation and propagates the
// receipts. Called when the conversation becomes visually active with
// its messages in view; the sender never writes these fields for
// others.
func (e *Engine) MarkConversationRead(ctx context.Context, convID string) error {
	c := e.conv(convID)
	var err error
	werr := c.doWait(e, func() {
		var msgs []models.Message
		msgs, err = e.st.GetOrdered(convID)
		if err != nil {
			return
		}
		now := time.Now().UTC().UnixNano()
		for i := range msgs {
			m := &msgs[i]
			if m.SenderID == e.sess.UserID || !m.Confirmed() {
				continue
			}
			if _, already := m.ReadBy[e.sess.UserID]; already {
				continue
			}
			updated, uerr := e.st.Update(convID, m.CorrelationID, func(mm *models.Message) (bool, error) {
				changed := mm.MarkRead(e.sess.UserID, now)
				mm.MarkDelivered(e.sess.UserID, now)
				return changed, nil
			})
			if uerr != nil {
				logger.Error("mark_read_failed", "conversation", convID, "correlation_id", m.CorrelationID, "error", uerr)
				continue
			}
			metrics.ReceiptsApplied.Inc()
			e.notify(ChangeEvent{Kind: ChangeUpdated, Message: *updated})
			go e.acknowledge(convID, m.CanonicalID, remote.ReceiptRead, now)
		}
		e.mutateConv(convID, func(cv *models.Conversation) { cv.Unread = 0 })
	})
	if werr != nil {
		return werr
	}
	return err
}
