package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"

	"msgsync/pkg/config"
	"msgsync/pkg/logger"
	"msgsync/pkg/state"
	"msgsync/pkg/store"
)

var (
	storedEff *config.EffectiveConfigResult
	storedSt  *store.Store
)

// SetRunDeps stores the effective config and store so tests (or admin
// triggers) can invoke janitor runs on-demand. Intended for testing only.
func SetRunDeps(eff config.EffectiveConfigResult, st *store.Store) {
	storedEff = &eff
	storedSt = st
}

// RunImmediate triggers a single janitor run using the stored deps.
func RunImmediate() error {
	if storedEff == nil || storedSt == nil {
		return fmt.Errorf("no run deps registered for janitor run")
	}
	return runOnce(context.Background(), *storedEff, storedSt)
}

// Start starts the janitor scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, eff config.EffectiveConfigResult, st *store.Store) (context.CancelFunc, error) {
	jan := eff.Config.Janitor

	// if the janitor is not enabled, return no-op cancel
	if !jan.Enabled {
		logger.Info("janitor_disabled")
		return func() {}, nil
	}

	// lock and run artifacts live under <DBPath>/state/janitor
	janitorPath := state.PathsVar.Janitor
	if err := os.MkdirAll(janitorPath, 0o700); err != nil {
		logger.Error("janitor_path_create_failed", "path", janitorPath, "error", err)
		return nil, err
	}

	// map empty cron to default daily @03:00
	cronExpr := jan.Cron
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("janitor_invalid_cron", "cron", jan.Cron)
		return nil, fmt.Errorf("invalid janitor cron expression: %s", jan.Cron)
	}

	logger.Info("janitor_enabled", "cron", cronExpr, "failed_retention", jan.FailedRetention.Duration(), "dry_run", jan.DryRun)
	ctx2, cancel := context.WithCancel(ctx)

	go runScheduler(ctx2, eff, st, cronExpr)

	logger.Info("janitor_scheduler_started", "path", janitorPath)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func runScheduler(ctx context.Context, eff config.EffectiveConfigResult, st *store.Store, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("janitor_scheduler_stopping")
			return
		default:
		}

		// compute next tick after now (UTC). allowCurrent=false so we get the
		// next future tick.
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("janitor_nexttick_failed", "cron", cronExpr, "error", err)
			// fallback sleep then retry
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("janitor_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			// due now-ish; run immediately
			go func() {
				if err := runOnce(ctx, eff, st); err != nil {
					logger.Error("janitor_run_error", "error", err)
				}
			}()
			// small sleep to avoid tight loop
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("janitor_scheduler_stopping")
				return
			}
			continue
		}

		// wait until the exact next tick or cancellation
		select {
		case <-time.After(wait):
			go func() {
				if err := runOnce(ctx, eff, st); err != nil {
					logger.Error("janitor_run_error", "error", err)
				}
			}()
		case <-ctx.Done():
			logger.Info("janitor_scheduler_stopping")
			return
		}
	}
}

// runOnce performs one maintenance sweep: drop offline-queue rows whose
// message no longer needs delivery, then purge failed sends that were
// never confirmed and whose retry affordance has expired. Confirmed
// timeline rows are never touched.
func runOnce(ctx context.Context, eff config.EffectiveConfigResult, st *store.Store) error {
	jan := eff.Config.Janitor
	started := time.Now()
	logger.Info("janitor_run_started", "dry_run", jan.DryRun)

	orphans, err := sweepOrphanedQueue(st, jan)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	purged, err := sweepExpiredFailed(st, jan)
	if err != nil {
		return err
	}

	logger.Info("janitor_run_finished",
		"orphaned_queue_rows", orphans,
		"expired_failed", purged,
		"duration", time.Since(started))
	if logger.Audit != nil {
		logger.Audit.Info("janitor_run",
			"orphaned_queue_rows", orphans,
			"expired_failed", purged,
			"dry_run", jan.DryRun)
	}
	return nil
}

// sweepOrphanedQueue removes queue rows whose message is missing or
// already confirmed. Such rows can remain after a crash between the
// confirm batch and queue maintenance.
func sweepOrphanedQueue(st *store.Store, jan config.JanitorConfig) (int, error) {
	refs, err := st.PendingRefs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ref := range refs {
		if jan.BatchSize > 0 && removed >= jan.BatchSize {
			break
		}
		m, err := st.Get(ref.ConvID, ref.CorrID)
		orphan := false
		switch {
		case errors.Is(err, store.ErrNotFound):
			orphan = true
		case err != nil:
			logger.Warn("janitor_queue_lookup_failed", "conversation", ref.ConvID, "correlation_id", ref.CorrID, "error", err)
			continue
		case m.Confirmed():
			orphan = true
		}
		if !orphan {
			continue
		}
		if jan.DryRun {
			logger.Info("janitor_would_drop_queue_row", "conversation", ref.ConvID, "correlation_id", ref.CorrID)
			removed++
			continue
		}
		if err := st.DeletePendingRow(ref); err != nil {
			logger.Warn("janitor_queue_drop_failed", "conversation", ref.ConvID, "correlation_id", ref.CorrID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// sweepExpiredFailed purges failed, never-confirmed messages whose last
// attempt predates the retention window. Retention of zero disables the
// sweep entirely.
func sweepExpiredFailed(st *store.Store, jan config.JanitorConfig) (int, error) {
	retention := jan.FailedRetention.Duration()
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixNano()
	expired, err := st.FailedLocalBefore(cutoff, jan.BatchSize)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, m := range expired {
		if jan.DryRun {
			logger.Info("janitor_would_purge_failed", "conversation", m.ConversationID, "correlation_id", m.CorrelationID)
			purged++
			continue
		}
		if err := st.PurgeMessage(m.ConversationID, m.CorrelationID); err != nil {
			logger.Warn("janitor_purge_failed", "conversation", m.ConversationID, "correlation_id", m.CorrelationID, "error", err)
			continue
		}
		if logger.Audit != nil {
			logger.Audit.Info("failed_message_purged", "conversation", m.ConversationID, "correlation_id", m.CorrelationID)
		}
		purged++
	}
	return purged, nil
}
