// Package progressor runs version-gated store migrations on startup.
package progressor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"msgsync/pkg/logger"
	"msgsync/pkg/store"
)

const (
	systemVersionKey    = "version"
	systemInProgressKey = "migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for migration logic.
func Sync(ctx context.Context, st *store.Store, from, to string) error {
	logger.Info("progressor_sync_start", "from", from, "to", to)

	// Migration: restore canonical-id index entries that a crash between
	// a confirm batch and an index write could have left missing. This
	// is idempotent and safe to run multiple times.
	repaired, err := st.RebuildCanonicalIndex()
	if err != nil {
		logger.Error("progressor_canon_rebuild_failed", "error", err)
		return err
	}
	if repaired > 0 {
		logger.Info("progressor_canon_index_repaired", "entries", repaired)
	}

	logger.Info("progressor_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, st *store.Store, newVersion string) (bool, error) {
	stored, err := st.GetSys(systemVersionKey)
	if err != nil {
		logger.Error("progressor_read_version_failed", "error", err)
	}
	logger.Info("progressor_version_check", "stored", stored, "running", newVersion)
	if stored == newVersion {
		logger.Info("progressor_noop", "version", newVersion)
		return false, nil
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := st.SetSys(systemInProgressKey, mb); err != nil {
		logger.Error("progressor_write_inprogress_failed", "error", err)
		return true, fmt.Errorf("failed to write in-progress marker: %w", err)
	}

	logger.Info("progressor_start_sync", "from", stored, "to", newVersion)
	if err := Sync(ctx, st, stored, newVersion); err != nil {
		logger.Error("progressor_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}
	logger.Info("progressor_sync_succeeded", "from", stored, "to", newVersion)

	if err := st.SetSys(systemVersionKey, []byte(newVersion)); err != nil {
		logger.Error("progressor_persist_version_failed", "version", newVersion, "error", err)
		return true, fmt.Errorf("failed to persist new version: %w", err)
	}

	if err := st.DeleteSys(systemInProgressKey); err != nil {
		logger.Error("progressor_delete_inprogress_failed", "error", err)
	}

	logger.Info("progressor_version_persisted", "version", newVersion)
	return true, nil
}
