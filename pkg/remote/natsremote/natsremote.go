// Package natsremote adapts a NATS deployment as the opaque remote
// authoritative store: request/reply for idempotent puts and replay,
// plain subscriptions for the live feed, and ephemeral subjects for
// typing fan-out.
package natsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/valyala/bytebufferpool"

	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/models"
	"msgsync/pkg/remote"
)

// Subject scheme, one conversation per subject family:
//
//	msg.put.<convID>       request/reply put (idempotent on X-Corr-Id)
//	msg.replay.<convID>    request/reply bounded replay since ts
//	msg.events.<convID>    live confirmed-message + receipt feed
//	msg.receipt.<convID>   receipt submissions
//	presence.typing.<convID>  ephemeral typing fan-out
func putSubject(convID string) string     { return "msg.put." + convID }
func replaySubject(convID string) string  { return "msg.replay." + convID }
func eventsSubject(convID string) string  { return "msg.events." + convID }
func receiptSubject(convID string) string { return "msg.receipt." + convID }
func typingSubject(convID string) string  { return "presence.typing." + convID }

// Remote implements remote.Store over a NATS connection.
type Remote struct {
	nc      *nats.Conn
	timeout time.Duration
}

// Dial connects to the NATS server at url. onChange, when non-nil, is
// invoked from the connection handlers on every connectivity flip so
// the engine can park and resume its dispatchers.
func Dial(url string, requestTimeout time.Duration, onChange func(online bool)) (*Remote, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
			if onChange != nil {
				onChange(false)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats_reconnected", "url", url)
			if onChange != nil {
				onChange(true)
			}
		}),
	)
	if err != nil {
		return nil, errors.Join(remote.ErrNetwork, err)
	}
	return &Remote{nc: nc, timeout: requestTimeout}, nil
}

// Close drains the connection.
func (r *Remote) Close() {
	if r.nc != nil {
		_ = r.nc.Drain()
	}
}

// Connected reports transport health for connectivity-change plumbing.
func (r *Remote) Connected() bool { return r.nc != nil && r.nc.IsConnected() }

// putRequest is the wire shape for Put.
type putRequest struct {
	CorrelationID string `json:"correlation_id"`
	SenderID      string `json:"sender_id"`
	Body          string `json:"body"`
}

// putReply is either an ack or an error envelope.
type putReply struct {
	Ack   *remote.Ack `json:"ack,omitempty"`
	Error *wireError  `json:"error,omitempty"`
}

type wireError struct {
	Kind string `json:"kind"` // "permission" | "conflict" | "unavailable"
	Msg  string `json:"msg,omitempty"`
}

// Put dispatches a message. The correlation id rides both the payload
// and the Nats-Msg-Id header so the server side can suppress
// duplicates; a conflict reply still carries the original ack.
func (r *Remote) Put(ctx context.Context, convID, corrID, senderID, body string) (remote.Ack, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(putRequest{CorrelationID: corrID, SenderID: senderID, Body: body}); err != nil {
		return remote.Ack{}, err
	}

	msg := nats.NewMsg(putSubject(convID))
	msg.Header.Set("Nats-Msg-Id", corrID)
	msg.Data = append([]byte(nil), buf.B...)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return remote.Ack{}, errors.Join(remote.ErrNetwork, err)
	}

	var rep putReply
	if err := json.Unmarshal(resp.Data, &rep); err != nil {
		return remote.Ack{}, errors.Join(remote.ErrNetwork, fmt.Errorf("malformed put reply: %w", err))
	}
	if rep.Error != nil {
		switch rep.Error.Kind {
		case "permission":
			return remote.Ack{}, fmt.Errorf("%w: %s", remote.ErrPermission, rep.Error.Msg)
		case "conflict":
			if rep.Ack != nil {
				return *rep.Ack, remote.ErrConflict
			}
			return remote.Ack{}, fmt.Errorf("%w: %s", remote.ErrConflict, rep.Error.Msg)
		default:
			return remote.Ack{}, fmt.Errorf("%w: %s", remote.ErrNetwork, rep.Error.Msg)
		}
	}
	if rep.Ack == nil {
		return remote.Ack{}, fmt.Errorf("%w: put reply missing ack", remote.ErrNetwork)
	}
	return *rep.Ack, nil
}

// Acknowledge submits a delivered/read receipt. Fire-and-forget: the
// server folds it into the event feed.
func (r *Remote) Acknowledge(ctx context.Context, convID, canonicalID, userID string, kind remote.ReceiptKind, ts int64) error {
	ev := remote.ReceiptEvent{ConversationID: convID, CanonicalID: canonicalID, UserID: userID, Kind: kind, TS: ts}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(receiptSubject(convID))
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s|%s|%s", canonicalID, userID, kind))
	msg.Data = data
	if err := r.nc.PublishMsg(msg); err != nil {
		return errors.Join(remote.ErrNetwork, err)
	}
	return nil
}

type replayRequest struct {
	Since int64 `json:"since"`
}

type replayReply struct {
	Events []json.RawMessage `json:"events"`
	Error  *wireError        `json:"error,omitempty"`
}

// Subscribe attaches the live feed and then requests a bounded replay
// since the watermark. Replayed and live events may interleave; the
// engine's dedup set and keyed merge keep the apply idempotent.
func (r *Remote) Subscribe(ctx context.Context, convID string, sinceTS int64) (remote.Subscription, error) {
	s := &subscription{ch: make(chan remote.Event, 128)}

	sub, err := r.nc.Subscribe(eventsSubject(convID), func(m *nats.Msg) {
		s.deliver(m.Data)
	})
	if err != nil {
		return nil, errors.Join(remote.ErrListener, err)
	}
	s.sub = sub

	reqData, _ := json.Marshal(replayRequest{Since: sinceTS})
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.nc.RequestWithContext(rctx, replaySubject(convID), reqData)
	if err != nil {
		s.fail(errors.Join(remote.ErrListener, err))
		return nil, s.Err()
	}
	var rep replayReply
	if err := json.Unmarshal(resp.Data, &rep); err != nil {
		s.fail(errors.Join(remote.ErrListener, err))
		return nil, s.Err()
	}
	if rep.Error != nil {
		s.fail(fmt.Errorf("%w: %s", remote.ErrListener, rep.Error.Msg))
		return nil, s.Err()
	}
	for _, raw := range rep.Events {
		s.deliver(raw)
	}

	go func() {
		<-ctx.Done()
		s.fail(ctx.Err())
	}()
	return s, nil
}

type subscription struct {
	ch  chan remote.Event
	sub *nats.Subscription

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *subscription) Events() <-chan remote.Event { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() { s.fail(nil) }

func (s *subscription) deliver(data []byte) {
	ev, err := remote.DecodeEvent(data)
	if err != nil {
		// never substitute defaults for a broken event: count, log, skip
		metrics.DecodeAnomalies.Inc()
		logger.Warn("remote_event_rejected", "error", err)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- ev:
		s.mu.Unlock()
	default:
		// Slow consumer. Dropping here would let later events advance the
		// watermark past the gap, so fail the feed instead: the engine
		// resubscribes and replays from the pre-drop watermark.
		s.closed = true
		s.err = fmt.Errorf("%w: event buffer full", remote.ErrListener)
		close(s.ch)
		s.mu.Unlock()
		logger.Warn("event_buffer_full_failing_feed")
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// BroadcastTyping publishes an ephemeral typing record; stopping sends
// a zero expiry so receivers clear immediately.
func (r *Remote) BroadcastTyping(ctx context.Context, convID, userID string, isTyping bool, ttl time.Duration) error {
	st := models.TypingState{ConversationID: convID, UserID: userID}
	if isTyping {
		st.ExpiresAt = time.Now().Add(ttl).UnixNano()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := r.nc.Publish(typingSubject(convID), data); err != nil {
		return errors.Join(remote.ErrNetwork, err)
	}
	return nil
}

// SubscribeTyping feeds remote typing records to apply. Returns an
// unsubscribe func.
func (r *Remote) SubscribeTyping(convID string, apply func(models.TypingState)) (func(), error) {
	sub, err := r.nc.Subscribe(typingSubject(convID), func(m *nats.Msg) {
		var st models.TypingState
		if err := json.Unmarshal(m.Data, &st); err != nil {
			logger.Warn("typing_event_rejected", "conversation", convID, "error", err)
			return
		}
		apply(st)
	})
	if err != nil {
		return nil, errors.Join(remote.ErrListener, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
