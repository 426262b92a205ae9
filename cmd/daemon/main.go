// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeparr/sweeparr/internal/api"
	"github.com/sweeparr/sweeparr/internal/config"
	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/discovery"
	"github.com/sweeparr/sweeparr/internal/dispatch"
	xlog "github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/outcome"
	"github.com/sweeparr/sweeparr/internal/search"
	"github.com/sweeparr/sweeparr/internal/store"
	syncengine "github.com/sweeparr/sweeparr/internal/sync"
	"github.com/sweeparr/sweeparr/internal/throttle"
	"github.com/sweeparr/sweeparr/internal/vault"
)

var (
	version   = "v0.4.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the configuration is loaded.
	xlog.Configure(xlog.Config{Level: "info", Service: "sweeparr", Version: version})
	logger := xlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}

	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "sweeparr", Version: version})

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("failed to create data dir")
	}

	// The vault key is loaded once and immutable for the process lifetime; a
	// bad key fails startup before anything touches persisted credentials.
	v, err := vault.New(cfg.SecretKey)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "startup.check_failed").Msg("vault secret key rejected")
	}
	if err := v.EnsureVerifier(cfg.DataDir); err != nil {
		logger.Fatal().Err(err).Str("event", "startup.check_failed").Msg("vault verifier check failed")
	}

	st, err := store.Open(cfg.DBPath, store.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open database")
	}
	defer func() { _ = st.Close() }()

	connectors := connector.NewService(st, v, nil)
	throttler := throttle.New(st)
	syncer := syncengine.NewEngine(st, connectors)
	discoverer := discovery.NewEngine(st)
	reconciler := outcome.NewReconciler(st,
		outcome.WithCommandTimeout(cfg.CommandTimeout))
	registry := search.NewService(st)

	schedCfg := dispatch.DefaultSchedulerConfig()
	schedCfg.SyncInterval = cfg.SyncInterval
	schedCfg.ReconcileInterval = cfg.ReconcileInterval
	schedCfg.HistoryRetention = cfg.HistoryRetention
	schedCfg.SyncOptions = syncengine.Options{
		Concurrency:  cfg.SyncConcurrency,
		RequestDelay: cfg.SyncRequestDelay,
	}
	schedCfg.SyncRetry = syncengine.RetryConfig{
		MaxRetries:  cfg.SyncRetries,
		BaseBackoff: cfg.SyncBackoff,
		MaxBackoff:  cfg.SyncMaxBackoff,
	}
	schedCfg.DiscoveryOptions = discovery.Options{BatchSize: cfg.DiscoveryBatchSize}
	scheduler := dispatch.NewScheduler(st, connectors, syncer, discoverer, reconciler, throttler, schedCfg)

	server := api.NewServer(api.Config{
		ListenAddr:   cfg.ListenAddr,
		Version:      version,
		DataDir:      cfg.DataDir,
		RateLimitRPM: cfg.APIRateLimit,
	}, st, connectors, registry, scheduler, v)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	logger.Info().
		Str("event", "daemon.started").
		Str("listen", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Msg("sweeparr running")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("admin API server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin API shutdown failed")
	}
	<-schedDone

	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}
