// Package engine is the local-first synchronization core: optimistic
// durable writes, idempotent remote dispatch, live-feed reconciliation,
// offline redrive, and per-recipient status tracking. All mutations for
// one conversation are serialized through that conversation's actor;
// different conversations proceed fully concurrently.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"msgsync/pkg/logger"
	"msgsync/pkg/models"
	"msgsync/pkg/remote"
	"msgsync/pkg/store"
)

// Session is the injected identity context. Constructed once at
// startup; there are no ambient identity globals.
type Session struct {
	UserID   string
	DeviceID string
}

// Notifier is told about remote messages inserted while their
// conversation is not focused. Presentation is external.
type Notifier interface {
	NotifyNewMessage(conv models.Conversation, m models.Message)
}

// ChangeKind labels observer events.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
)

// ChangeEvent is delivered to observers after the underlying write is
// durable: an observer never sees state that would vanish on crash.
type ChangeEvent struct {
	Kind    ChangeKind
	Message models.Message
}

// ObserverFunc receives change events. It is called on the
// conversation's actor goroutine and must not block or re-enter the
// engine.
type ObserverFunc func(ChangeEvent)

// Config carries the engine tunables (already defaulted/validated by
// pkg/config).
type Config struct {
	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	ResyncGap        time.Duration
	DedupCacheSize   int
	RequestTimeout   time.Duration
	DispatchRPS      float64
	DispatchBurst    int
	MaxBodyBytes     int64
}

// Engine owns the per-conversation actors and the shared dispatch
// resources.
type Engine struct {
	st       *store.Store
	rs       remote.Store
	sess     Session
	cfg      Config
	notifier Notifier
	limiter  *rate.Limiter

	// seen absorbs replayed canonical ids from listener reconnects;
	// the durable canon index is the backstop beneath it.
	seen *lru.Cache[string, struct{}]

	mu        sync.Mutex
	convs     map[string]*conversation
	observers []ObserverFunc

	online  atomic.Bool
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine. Call Start before use.
func New(st *store.Store, rs remote.Store, sess Session, cfg Config, notifier Notifier) (*Engine, error) {
	seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		st:       st,
		rs:       rs,
		sess:     sess,
		cfg:      cfg,
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DispatchRPS), cfg.DispatchBurst),
		seen:     seen,
		convs:    map[string]*conversation{},
	}
	e.online.Store(true)
	return e, nil
}

// Start spins up actors and drainers for conversations that were left
// with queued sends by a previous run, so a crash mid-send resumes
// instead of losing the message.
func (e *Engine) Start(ctx context.Context) error {
	e.rootCtx, e.cancel = context.WithCancel(ctx)
	convs, err := e.st.PendingConversations()
	if err != nil {
		return err
	}
	for _, id := range convs {
		c := e.conv(id)
		logger.Info("redriving_queued_sends", "conversation", id)
		c.wakeDrainer()
	}
	return nil
}

// Close cancels subscriptions and stops accepting work. Queued sends
// stay durable and resume on next start.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for _, c := range e.convs {
		c.unsubscribe()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// RegisterObserver adds a change observer for all conversations.
func (e *Engine) RegisterObserver(fn ObserverFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notify(ev ChangeEvent) {
	e.mu.Lock()
	obs := make([]ObserverFunc, len(e.observers))
	copy(obs, e.observers)
	e.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}

// OnConnectivityChange tells the engine the transport state changed.
// Regaining connectivity wakes every conversation's drainer.
func (e *Engine) OnConnectivityChange(online bool) {
	was := e.online.Swap(online)
	if online == was {
		return
	}
	logger.Info("connectivity_changed", "online", online)
	if online {
		e.wakeAll()
	}
}

// OnForeground redrives queued sends when the app returns to the
// foreground.
func (e *Engine) OnForeground() {
	e.wakeAll()
}

func (e *Engine) wakeAll() {
	convs, err := e.st.PendingConversations()
	if err != nil {
		logger.Error("pending_scan_failed", "error", err)
		return
	}
	for _, id := range convs {
		e.conv(id).wakeDrainer()
	}
}

// Online reports the engine's current connectivity assumption.
func (e *Engine) Online() bool { return e.online.Load() }

// OpenConversation loads or creates the conversation row, starts its
// actor, and attaches the live subscription. Idempotent.
func (e *Engine) OpenConversation(ctx context.Context, convID string, kind models.ConversationKind, participants []string) (*models.Conversation, error) {
	conv, err := e.st.GetConversation(convID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC().UnixNano()
		conv = &models.Conversation{
			ID:             convID,
			Kind:           kind,
			ParticipantIDs: participants,
			CreatedTS:      now,
			UpdatedTS:      now,
		}
		if !conv.HasParticipant(e.sess.UserID) {
			conv.ParticipantIDs = append(conv.ParticipantIDs, e.sess.UserID)
		}
		if err := e.st.UpsertConversation(conv); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	c := e.conv(convID)
	c.subscribeOnce(e)
	return conv, nil
}

// CloseConversation detaches the live subscription. In-flight sends
// and retries keep running to completion.
func (e *Engine) CloseConversation(convID string) {
	e.mu.Lock()
	c, ok := e.convs[convID]
	e.mu.Unlock()
	if ok {
		c.unsubscribe()
		c.setFocused(false)
	}
}

// Focus marks a conversation visually active. Focusing marks its
// messages read: the conversation is on screen with its tail in view.
func (e *Engine) Focus(ctx context.Context, convID string, focused bool) error {
	c := e.conv(convID)
	c.setFocused(focused)
	if focused {
		return e.MarkConversationRead(ctx, convID)
	}
	return nil
}

// Messages returns the conversation timeline in display order.
func (e *Engine) Messages(convID string) ([]models.Message, error) {
	return e.st.GetOrdered(convID)
}

// Conversations lists the local conversation rows.
func (e *Engine) Conversations() ([]models.Conversation, error) {
	return e.st.ListConversations()
}

// ConvStatus is one conversation's entry in the engine snapshot.
type ConvStatus struct {
	ID         string `json:"id"`
	Pending    int    `json:"pending"`
	Watermark  int64  `json:"watermark"`
	Subscribed bool   `json:"subscribed"`
	Unread     int    `json:"unread"`
}

// Snapshot is the ops-surface view of the engine.
type Snapshot struct {
	Online        bool         `json:"online"`
	Conversations []ConvStatus `json:"conversations"`
}

// Status reports the engine snapshot served on /v1/status.
func (e *Engine) Status() Snapshot {
	snap := Snapshot{Online: e.online.Load()}
	convs, err := e.st.ListConversations()
	if err != nil {
		logger.Error("status_list_failed", "error", err)
		return snap
	}
	for _, conv := range convs {
		cs := ConvStatus{ID: conv.ID, Watermark: conv.LastSyncedTS, Unread: conv.Unread}
		if pend, err := e.st.PendingCorrIDs(conv.ID); err == nil {
			cs.Pending = len(pend)
		}
		e.mu.Lock()
		if c, ok := e.convs[conv.ID]; ok {
			cs.Subscribed = c.subscribed()
		}
		e.mu.Unlock()
		snap.Conversations = append(snap.Conversations, cs)
	}
	return snap
}
