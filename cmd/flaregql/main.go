// SPDX-License-Identifier: MIT

// Command flaregql serves a GraphQL API over HTTP with SSE subscriptions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/flaregql/internal/config"
	"github.com/ManuGH/flaregql/internal/log"
)

// Build-time variables, set via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "config" {
		os.Exit(runConfigCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flaregql %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	log.Configure(log.Config{Service: "flaregql", Version: version})
	logger := log.WithComponent("daemon")

	loader := config.NewLoader(*configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "config.load_failed").Msg("failed to load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, loader); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str(log.FieldEvent, "daemon.failed").Msg("flaregql stopped with error")
		stop()
		os.Exit(1)
	}
	logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("flaregql stopped")
}
