package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"msgsync/pkg/logger"
	"msgsync/pkg/models"
	"msgsync/pkg/remote"
)

// ErrNotFound is returned when a message or conversation does not exist.
var ErrNotFound = errors.New("not found")

// errNoPurgeConfirmed guards the timeline: rows with a canonical id are
// part of the shared history and are never hard-deleted locally.
var errNoPurgeConfirmed = errors.New("refusing to purge confirmed message")

// Store is the durable local cache. It is the sole source for
// cold-start rendering: every row it returns survived a crash. Writers
// must be serialized per conversation by the caller (the engine actor);
// reads are safe concurrently and observe pebble's consistent snapshot.
type Store struct {
	db   *pebble.DB
	path string

	// seq reduces pend-key collisions when enqueues share a nanosecond.
	seq uint64
}

// Open opens (or creates) the pebble database at path.
func Open(path string) (*Store, error) {
	logger.Info("opening_local_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("local_store_open_failed", "path", path, "error", err)
		return nil, storageErr(err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("local_store_closed", "path", s.path)
	return err
}

// Ready reports whether the store is open.
func (s *Store) Ready() bool { return s.db != nil }

// Path returns the database directory.
func (s *Store) Path() string { return s.path }

// storageErr tags an underlying pebble/encoding failure with the
// storage member of the error taxonomy so callers can classify it.
func storageErr(err error) error {
	return errors.Join(remote.ErrStorage, err)
}

// rowLocator is the value stored under idx:corr keys: where the
// message row currently lives, plus its pending-queue row if any.
type rowLocator struct {
	Ord  string `json:"ord"`
	Pend string `json:"pend,omitempty"`
}

// canonLocator is the value stored under idx:canon keys.
type canonLocator struct {
	Conv string `json:"conv"`
	Corr string `json:"corr"`
}

// PutPending durably writes a new local-pending message and its
// offline-queue row in one synced batch. The write completes before
// the caller notifies any observer (write-before-render).
func (s *Store) PutPending(m *models.Message) error {
	key, err := ordKey(m.ConversationID, m.ClientTS, m.CorrelationID)
	if err != nil {
		return storageErr(err)
	}
	pk := pendKey(m.ConversationID, time.Now().UTC().UnixNano(), atomic.AddUint64(&s.seq, 1))
	data, err := json.Marshal(m)
	if err != nil {
		return storageErr(fmt.Errorf("marshal message: %w", err))
	}
	loc, err := json.Marshal(rowLocator{Ord: key, Pend: pk})
	if err != nil {
		return storageErr(err)
	}
	b := new(pebble.Batch)
	b.Set([]byte(key), data, pebble.NoSync)
	b.Set([]byte(corrIdxKey(m.ConversationID, m.CorrelationID)), loc, pebble.NoSync)
	b.Set([]byte(pk), []byte(m.CorrelationID), pebble.NoSync)
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("put_pending_failed", "conversation", m.ConversationID, "correlation_id", m.CorrelationID, "error", err)
		return storageErr(err)
	}
	return nil
}

// Get loads a message by correlation id.
func (s *Store) Get(convID, corrID string) (*models.Message, error) {
	loc, err := s.locator(convID, corrID)
	if err != nil {
		return nil, err
	}
	return s.loadRow(loc.Ord)
}

// GetByCanonical loads a message by canonical id.
func (s *Store) GetByCanonical(canonicalID string) (*models.Message, error) {
	convID, corrID, ok, err := s.CanonicalLocator(canonicalID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(convID, corrID)
}

// HasCanonical reports whether a confirmed message with the given
// canonical id exists. Used as the durable backstop beneath the
// reconciler's in-memory dedup set.
func (s *Store) HasCanonical(canonicalID string) (bool, error) {
	_, _, ok, err := s.CanonicalLocator(canonicalID)
	return ok, err
}

// CanonicalLocator resolves a canonical id to its conversation and
// correlation ids.
func (s *Store) CanonicalLocator(canonicalID string) (convID, corrID string, ok bool, err error) {
	v, closer, gerr := s.db.Get([]byte(canonIdxKey(canonicalID)))
	if gerr != nil {
		if errors.Is(gerr, pebble.ErrNotFound) {
			return "", "", false, nil
		}
		return "", "", false, storageErr(gerr)
	}
	defer closer.Close()
	var cl canonLocator
	if err := json.Unmarshal(v, &cl); err != nil {
		return "", "", false, storageErr(err)
	}
	return cl.Conv, cl.Corr, true, nil
}

// GetOrdered returns a conversation's messages in timeline order:
// confirmed rows totally ordered by (serverTS, canonicalID), pending
// rows interleaved at their insertion position.
func (s *Store) GetOrdered(convID string) ([]models.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer iter.Close()

	prefix := []byte(ordPrefix(convID))
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			logger.Warn("ordered_row_decode_failed", "conversation", convID, "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// Confirm maps a local-pending row to its server-confirmed identity in
// one synced batch: the row moves to its (serverTS, canonicalID)
// position, the indexes are rewritten, and the pending-queue row is
// dropped. Confirming twice with the same canonical id is a no-op.
// hadPending reports whether an offline-queue row was consumed.
func (s *Store) Confirm(convID, corrID, canonicalID string, serverTS int64) (m *models.Message, hadPending bool, err error) {
	loc, err := s.locator(convID, corrID)
	if err != nil {
		return nil, false, err
	}
	m, err = s.loadRow(loc.Ord)
	if err != nil {
		return nil, false, err
	}
	if m.CanonicalID == canonicalID && m.ServerTS == serverTS {
		return m, false, nil // replayed ack, already applied
	}
	if m.CanonicalID != "" && m.CanonicalID != canonicalID {
		return nil, false, storageErr(fmt.Errorf("correlation %s already confirmed as %s, got %s", corrID, m.CanonicalID, canonicalID))
	}
	m.CanonicalID = canonicalID
	m.ServerTS = serverTS
	if models.CanTransition(m.Status, models.StatusSent) {
		m.Status = models.StatusSent
	}

	newKey, err := ordKey(convID, serverTS, canonicalID)
	if err != nil {
		return nil, false, storageErr(err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false, storageErr(err)
	}
	newLoc, _ := json.Marshal(rowLocator{Ord: newKey})
	canonVal, _ := json.Marshal(canonLocator{Conv: convID, Corr: corrID})

	b := new(pebble.Batch)
	if loc.Ord != newKey {
		b.Delete([]byte(loc.Ord), pebble.NoSync)
	}
	b.Set([]byte(newKey), data, pebble.NoSync)
	b.Set([]byte(corrIdxKey(convID, corrID)), newLoc, pebble.NoSync)
	b.Set([]byte(canonIdxKey(canonicalID)), canonVal, pebble.NoSync)
	if loc.Pend != "" {
		b.Delete([]byte(loc.Pend), pebble.NoSync)
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("confirm_failed", "conversation", convID, "correlation_id", corrID, "error", err)
		return nil, false, storageErr(err)
	}
	return m, loc.Pend != "", nil
}

// InsertConfirmed writes a server-confirmed message that has no local
// pending row (a foreign message, or our own echo after cache loss).
func (s *Store) InsertConfirmed(m *models.Message) error {
	if !m.Confirmed() {
		return storageErr(fmt.Errorf("insert confirmed requires canonical id and server ts"))
	}
	key, err := ordKey(m.ConversationID, m.ServerTS, m.CanonicalID)
	if err != nil {
		return storageErr(err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return storageErr(err)
	}
	corr := m.CorrelationID
	if corr == "" {
		// Foreign rows are still addressable through the corr index so
		// receipt updates share one code path.
		corr = m.CanonicalID
		m.CorrelationID = corr
		data, _ = json.Marshal(m)
	}
	loc, _ := json.Marshal(rowLocator{Ord: key})
	canonVal, _ := json.Marshal(canonLocator{Conv: m.ConversationID, Corr: corr})

	b := new(pebble.Batch)
	b.Set([]byte(key), data, pebble.NoSync)
	b.Set([]byte(corrIdxKey(m.ConversationID, corr)), loc, pebble.NoSync)
	b.Set([]byte(canonIdxKey(m.CanonicalID)), canonVal, pebble.NoSync)
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("insert_confirmed_failed", "conversation", m.ConversationID, "canonical_id", m.CanonicalID, "error", err)
		return storageErr(err)
	}
	return nil
}

// Update rewrites a message in place at its current timeline position.
// mutate returns false to abort without writing.
func (s *Store) Update(convID, corrID string, mutate func(*models.Message) (bool, error)) (*models.Message, error) {
	loc, err := s.locator(convID, corrID)
	if err != nil {
		return nil, err
	}
	m, err := s.loadRow(loc.Ord)
	if err != nil {
		return nil, err
	}
	ok, err := mutate(m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return m, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, storageErr(err)
	}
	if err := s.db.Set([]byte(loc.Ord), data, pebble.Sync); err != nil {
		logger.Error("update_failed", "conversation", convID, "correlation_id", corrID, "error", err)
		return nil, storageErr(err)
	}
	return m, nil
}

// UpdateStatus advances a message's status, enforcing the monotonic
// state machine. Returns the stored message and whether it changed.
func (s *Store) UpdateStatus(convID, corrID string, next models.Status) (*models.Message, bool, error) {
	changed := false
	m, err := s.Update(convID, corrID, func(m *models.Message) (bool, error) {
		if !models.CanTransition(m.Status, next) {
			return false, nil
		}
		m.Status = next
		changed = true
		return true, nil
	})
	return m, changed, err
}

// PendingCorrIDs returns the offline queue for one conversation in
// FIFO enqueue order.
func (s *Store) PendingCorrIDs(convID string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer iter.Close()

	prefix := []byte(pendPrefix(convID))
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Value()...)))
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// PendingConversations lists conversations that have queued sends.
// Called once on startup to redrive work that survived a crash.
func (s *Store) PendingConversations() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer iter.Close()

	prefix := []byte("pend:")
	seen := map[string]struct{}{}
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		rest := string(k[len(prefix):])
		if i := strings.IndexByte(rest, ':'); i > 0 {
			conv := rest[:i]
			if _, ok := seen[conv]; !ok {
				seen[conv] = struct{}{}
				out = append(out, conv)
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// DropPending removes a message's offline-queue row without touching
// the message itself (used when a send becomes permanently failed).
func (s *Store) DropPending(convID, corrID string) error {
	loc, err := s.locator(convID, corrID)
	if err != nil {
		return err
	}
	if loc.Pend == "" {
		return nil
	}
	newLoc, _ := json.Marshal(rowLocator{Ord: loc.Ord})
	b := new(pebble.Batch)
	b.Delete([]byte(loc.Pend), pebble.NoSync)
	b.Set([]byte(corrIdxKey(convID, corrID)), newLoc, pebble.NoSync)
	return s.applySync(b, "drop_pending", convID, corrID)
}

// RequeuePending re-adds an offline-queue row for a failed message the
// user chose to retry. It lands at the back of the conversation FIFO.
func (s *Store) RequeuePending(convID, corrID string) error {
	loc, err := s.locator(convID, corrID)
	if err != nil {
		return err
	}
	if loc.Pend != "" {
		return nil
	}
	pk := pendKey(convID, time.Now().UTC().UnixNano(), atomic.AddUint64(&s.seq, 1))
	newLoc, _ := json.Marshal(rowLocator{Ord: loc.Ord, Pend: pk})
	b := new(pebble.Batch)
	b.Set([]byte(pk), []byte(corrID), pebble.NoSync)
	b.Set([]byte(corrIdxKey(convID, corrID)), newLoc, pebble.NoSync)
	return s.applySync(b, "requeue_pending", convID, corrID)
}

// UpsertConversation durably writes the conversation row.
func (s *Store) UpsertConversation(c *models.Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return storageErr(err)
	}
	if err := s.db.Set([]byte(convKey(c.ID)), data, pebble.Sync); err != nil {
		logger.Error("upsert_conversation_failed", "conversation", c.ID, "error", err)
		return storageErr(err)
	}
	return nil
}

// GetConversation loads a conversation row.
func (s *Store) GetConversation(convID string) (*models.Conversation, error) {
	v, closer, err := s.db.Get([]byte(convKey(convID)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr(err)
	}
	defer closer.Close()
	var c models.Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, storageErr(err)
	}
	return &c, nil
}

// ListConversations returns all conversation rows.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer iter.Close()

	prefix := []byte(convPrefix)
	var out []models.Conversation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var c models.Conversation
		if err := json.Unmarshal(v, &c); err != nil {
			logger.Warn("conversation_row_decode_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *Store) locator(convID, corrID string) (rowLocator, error) {
	v, closer, err := s.db.Get([]byte(corrIdxKey(convID, corrID)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return rowLocator{}, ErrNotFound
		}
		return rowLocator{}, storageErr(err)
	}
	defer closer.Close()
	var loc rowLocator
	if err := json.Unmarshal(v, &loc); err != nil {
		return rowLocator{}, storageErr(err)
	}
	return loc, nil
}

func (s *Store) loadRow(key string) (*models.Message, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr(err)
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, storageErr(err)
	}
	return &m, nil
}

func (s *Store) applySync(b *pebble.Batch, op, convID, corrID string) error {
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error(op+"_failed", "conversation", convID, "correlation_id", corrID, "error", err)
		return storageErr(err)
	}
	return nil
}
