package store

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/pebble"

	"msgsync/pkg/logger"
	"msgsync/pkg/models"
)

// PendingRef identifies one offline-queue row for maintenance scans.
type PendingRef struct {
	ConvID string
	CorrID string
	key    string
}

// PendingRefs lists every offline-queue row across conversations.
func (s *Store) PendingRefs() ([]PendingRef, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer iter.Close()

	prefix := []byte("pend:")
	var out []PendingRef
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		rest := string(k[len(prefix):])
		i := strings.IndexByte(rest, ':')
		if i <= 0 {
			continue
		}
		out = append(out, PendingRef{
			ConvID: rest[:i],
			CorrID: string(append([]byte(nil), iter.Value()...)),
			key:    string(append([]byte(nil), k...)),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// DeletePendingRow removes one queue row by its scanned reference and
// clears the locator's pend pointer if it still points at it.
func (s *Store) DeletePendingRow(ref PendingRef) error {
	b := new(pebble.Batch)
	b.Delete([]byte(ref.key), pebble.NoSync)
	if loc, err := s.locator(ref.ConvID, ref.CorrID); err == nil && loc.Pend == ref.key {
		newLoc, _ := json.Marshal(rowLocator{Ord: loc.Ord})
		b.Set([]byte(corrIdxKey(ref.ConvID, ref.CorrID)), newLoc, pebble.NoSync)
	}
	return s.applySync(b, "delete_pending_row", ref.ConvID, ref.CorrID)
}

// PurgeMessage hard-deletes a message row and its indexes. Reserved
// for local-only rows that never reached the remote store; confirmed
// timeline rows are never purged.
func (s *Store) PurgeMessage(convID, corrID string) error {
	loc, err := s.locator(convID, corrID)
	if err != nil {
		return err
	}
	m, err := s.loadRow(loc.Ord)
	if err != nil {
		return err
	}
	if m.Confirmed() {
		return storageErr(errNoPurgeConfirmed)
	}
	b := new(pebble.Batch)
	b.Delete([]byte(loc.Ord), pebble.NoSync)
	b.Delete([]byte(corrIdxKey(convID, corrID)), pebble.NoSync)
	if loc.Pend != "" {
		b.Delete([]byte(loc.Pend), pebble.NoSync)
	}
	return s.applySync(b, "purge_message", convID, corrID)
}

func sysKey(name string) string { return "sys:" + name }

// GetSys reads a system key. Missing keys return "" without error.
func (s *Store) GetSys(name string) (string, error) {
	v, closer, err := s.db.Get([]byte(sysKey(name)))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", nil
		}
		return "", storageErr(err)
	}
	defer closer.Close()
	return string(append([]byte(nil), v...)), nil
}

// SetSys writes a system key synced.
func (s *Store) SetSys(name string, val []byte) error {
	if err := s.db.Set([]byte(sysKey(name)), val, pebble.Sync); err != nil {
		return storageErr(err)
	}
	return nil
}

// DeleteSys removes a system key.
func (s *Store) DeleteSys(name string) error {
	if err := s.db.Delete([]byte(sysKey(name)), pebble.Sync); err != nil {
		return storageErr(err)
	}
	return nil
}

// RebuildCanonicalIndex scans every confirmed message row and restores
// any missing idx:canon entry. Idempotent; safe to run repeatedly.
func (s *Store) RebuildCanonicalIndex() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, storageErr(err)
	}
	defer iter.Close()

	prefix := []byte("conv:")
	repaired := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if !bytes.Contains(k, []byte(":ord:")) {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("canon_rebuild_bad_row", "key", string(k), "error", err)
			continue
		}
		if m.CanonicalID == "" {
			continue
		}
		ck := []byte(canonIdxKey(m.CanonicalID))
		if _, closer, gerr := s.db.Get(ck); gerr == nil {
			closer.Close()
			continue
		} else if gerr != pebble.ErrNotFound {
			return repaired, storageErr(gerr)
		}
		val, _ := json.Marshal(canonLocator{Conv: m.ConversationID, Corr: m.CorrelationID})
		if err := s.db.Set(ck, val, pebble.Sync); err != nil {
			return repaired, storageErr(err)
		}
		repaired++
	}
	if err := iter.Error(); err != nil {
		return repaired, storageErr(err)
	}
	return repaired, nil
}

// FailedLocalBefore returns failed, never-confirmed messages whose
// last attempt predates cutoff (ns), up to limit.
func (s *Store) FailedLocalBefore(cutoff int64, limit int) ([]models.Message, error) {
	convs, err := s.ListConversations()
	if err != nil {
		return nil, err
	}
	var out []models.Message
	for _, conv := range convs {
		msgs, err := s.GetOrdered(conv.ID)
		if err != nil {
			logger.Warn("failed_scan_conv_error", "conversation", conv.ID, "error", err)
			continue
		}
		for _, m := range msgs {
			if m.Status != models.StatusFailed || m.Confirmed() {
				continue
			}
			ts := m.LastAttemptTS
			if ts == 0 {
				ts = m.ClientTS
			}
			if ts < cutoff {
				out = append(out, m)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}
