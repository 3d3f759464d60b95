package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"msgsync/pkg/api"
	"msgsync/pkg/banner"
	"msgsync/pkg/logger"
	"msgsync/pkg/telemetry"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// startHTTP builds the handler, starts the HTTP server in a goroutine
// and returns a channel that will contain any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	router := api.NewRouter(api.Deps{
		Engine:   a.eng,
		Store:    a.st,
		Presence: a.pres,
		Version:  a.version,
	})

	// wrap with request telemetry
	telemetry.SetSampleRate(a.eff.Config.Tracing.SampleRate)
	telemetry.SetSlowThreshold(a.eff.Config.Tracing.SlowThreshold.Duration())
	wrapped := telemetry.Middleware(router)

	srv := &http.Server{Addr: a.eff.Addr, Handler: wrapped}
	a.httpShutdown = func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}

	if hp := a.eff.Config.Server.HealthPort; hp != 0 {
		addr := fmt.Sprintf("%s:%d", a.eff.Config.Server.Address, hp)
		stop, err := api.StartHealthListener(addr, a.version, a.st.Ready)
		if err != nil {
			logger.Error("health_listener_failed", "addr", addr, "error", err)
		} else {
			a.healthStop = stop
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.eff.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}
