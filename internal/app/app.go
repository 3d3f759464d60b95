package app

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"

	"msgsync/internal/janitor"
	"msgsync/pkg/config"
	"msgsync/pkg/engine"
	"msgsync/pkg/logger"
	"msgsync/pkg/presence"
	"msgsync/pkg/progressor"
	"msgsync/pkg/remote"
	"msgsync/pkg/remote/natsremote"
	"msgsync/pkg/state"
	"msgsync/pkg/store"
)

// App encapsulates the process components and lifecycle: local store,
// sync engine, presence channel, janitor, and the HTTP surfaces.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	st   *store.Store
	nr   *natsremote.Remote
	eng  *engine.Engine
	pres *presence.Channel

	janitorCancel context.CancelFunc
	httpShutdown  func() error
	healthStop    func() error
}

// New initializes everything that does not need a running context:
// state dirs, store, remote transport, engine, presence. Call Run to
// start the schedulers and listeners and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	cfg := eff.Config

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("state dirs under %s: %w", eff.DBPath, err)
	}
	if err := logger.AttachAuditFileSink(state.PathsVar.Audit); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err)
	}

	st, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("open local store at %s: %w", state.PathsVar.Store, err)
	}

	if _, err := progressor.Run(context.Background(), st, version); err != nil {
		st.Close()
		return nil, fmt.Errorf("store migration: %w", err)
	}

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate, st: st}

	// The engine pointer is captured by the connectivity handler before
	// the engine exists; the nil check covers the dial window.
	var rs remote.Store
	if cfg.Remote.URL != "" {
		nr, err := natsremote.Dial(cfg.Remote.URL, cfg.Remote.RequestTimeout.Duration(), func(online bool) {
			if a.eng != nil {
				a.eng.OnConnectivityChange(online)
			}
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("dial remote %s: %w", cfg.Remote.URL, err)
		}
		a.nr = nr
		rs = nr
	} else {
		logger.Warn("remote_unset_starting_offline")
		rs = remote.Offline{}
	}

	sess := engine.Session{UserID: cfg.Session.UserID, DeviceID: cfg.Session.DeviceID}
	eng, err := engine.New(st, rs, sess, engine.Config{
		RetryMaxAttempts: cfg.Sync.RetryMaxAttempts,
		RetryBaseBackoff: cfg.Sync.RetryBaseBackoff.Duration(),
		RetryMaxBackoff:  cfg.Sync.RetryMaxBackoff.Duration(),
		ResyncGap:        cfg.Sync.ResyncGap.Duration(),
		DedupCacheSize:   cfg.Sync.DedupCacheSize,
		RequestTimeout:   cfg.Remote.RequestTimeout.Duration(),
		DispatchRPS:      cfg.Remote.DispatchRPS,
		DispatchBurst:    cfg.Remote.DispatchBurst,
		MaxBodyBytes:     cfg.Storage.MaxBodyBytes.Int64(),
	}, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.eng = eng

	var bc presence.Broadcaster
	if a.nr != nil {
		bc = a.nr
	}
	a.pres = presence.NewChannel(cfg.Session.UserID,
		cfg.Presence.TTL.Duration(),
		cfg.Presence.SweepInterval.Duration(),
		cfg.Presence.IdleTimeout.Duration(),
		bc)
	if a.nr != nil {
		a.pres.SetSubscriber(a.nr)
	}

	return a, nil
}

// Run starts the engine, presence sweep, janitor, and HTTP listeners,
// then blocks until ctx is canceled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.eng.Start(ctx); err != nil {
		return err
	}
	if a.nr == nil || !a.nr.Connected() {
		a.eng.OnConnectivityChange(false)
	}

	a.pres.Start(ctx)

	cancel, err := janitor.Start(ctx, a.eff, a.st)
	if err != nil {
		return err
	}
	a.janitorCancel = cancel
	janitor.SetRunDeps(a.eff, a.st)

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

// shutdown tears components down in reverse dependency order. Queued
// sends stay durable and resume next start.
func (a *App) shutdown() {
	if a.httpShutdown != nil {
		_ = a.httpShutdown()
	}
	if a.healthStop != nil {
		_ = a.healthStop()
	}
	if a.janitorCancel != nil {
		a.janitorCancel()
	}
	a.pres.Stop()
	a.eng.Close()
	if a.nr != nil {
		a.nr.Close()
	}
	if err := a.st.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}
