package main

import (
	"context"
	"fmt"
	"os"

	"msgsync/internal/app"
	"msgsync/pkg/config"
	"msgsync/pkg/logger"
	"msgsync/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	flags := config.ParseCommandFlags()

	eff, err := config.LoadEffective(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(eff.Config.Logging.Level)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup_failed", err, eff.DBPath, 0)
	}
	if err := a.Run(ctx); err != nil {
		shutdown.Abort("run_failed", err, eff.DBPath, 0)
	}
}
