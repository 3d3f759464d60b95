package api

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"msgsync/pkg/logger"
)

// StartHealthListener runs a second, lean fasthttp listener for
// load-balancer probes so probe traffic never contends with the JSON
// surface. Returns a shutdown func.
func StartHealthListener(addr, version string, ready func() bool) (func() error, error) {
	h := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health", "/healthz":
			ctx.Response.Header.Set("Content-Type", "application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(fmt.Sprintf("{\"status\":\"ok\",\"version\":\"%s\"}", version))
		case "/readyz":
			ctx.Response.Header.Set("Content-Type", "application/json")
			if ready != nil && !ready() {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				_, _ = ctx.WriteString(`{"status":"unavailable"}`)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(`{"status":"ok"}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	srv := &fasthttp.Server{
		Handler:            h,
		Name:               "msgsync-health",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}

	go func() {
		logger.Info("health_listener_started", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil {
			logger.Error("health_listener_exit", "error", err)
		}
	}()

	return srv.Shutdown, nil
}
