// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

// Package main is the entry point for the Ledgerlink server.
//
// Ledgerlink keeps a local, queryable mirror of a rate-limited external
// accounting platform ("XA"). A scheduler fires delta sync passes a few
// times a day; a circuit breaker isolates the process from XA outages; the
// admin HTTP API serves cached entities, sync status, and operational
// controls without ever touching XA on the read path.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, config file, environment)
//  2. Logging (zerolog)
//  3. Database (DuckDB: sync status + entity cache)
//  4. XA client, circuit breaker registry, sync engine
//  5. Scheduler
//  6. HTTP server, supervised by the suture tree
//
// Shutdown on SIGINT/SIGTERM drains in-flight requests, stops the
// scheduler, and checkpoints the database.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/finvoy/ledgerlink/internal/api"
	"github.com/finvoy/ledgerlink/internal/breaker"
	"github.com/finvoy/ledgerlink/internal/config"
	"github.com/finvoy/ledgerlink/internal/database"
	"github.com/finvoy/ledgerlink/internal/logging"
	"github.com/finvoy/ledgerlink/internal/metrics"
	"github.com/finvoy/ledgerlink/internal/models"
	"github.com/finvoy/ledgerlink/internal/scheduler"
	"github.com/finvoy/ledgerlink/internal/supervisor"
	"github.com/finvoy/ledgerlink/internal/supervisor/services"
	syncengine "github.com/finvoy/ledgerlink/internal/sync"
	"github.com/finvoy/ledgerlink/internal/xa"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	logging.Info().Str("version", version).Msg("starting ledgerlink")
	metrics.AppInfo.WithLabelValues(version, runtime.Version()).Set(1)

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("failed to close database")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.EnsureSyncStatus(ctx, models.SyncOrder()); err != nil {
		return fmt.Errorf("failed to bootstrap sync status: %w", err)
	}
	if err := db.ClearSyncLocks(ctx); err != nil {
		return fmt.Errorf("failed to clear stale sync locks: %w", err)
	}

	client := xa.NewClient(&cfg.XA)
	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		BaseCooldown:     cfg.Breaker.BaseCooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
	})
	engine := syncengine.NewEngine(db, client, registry, &cfg.Sync, cfg.XA.PageSize)

	sched, err := scheduler.New(engine, db, &cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	handler := api.NewHandler(db, engine, sched, registry, cfg)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(handler, &cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       120 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(sched)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	// Probe XA once at startup so a bad credential shows up in the logs
	// immediately instead of at the first scheduled fire.
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := client.Ping(probeCtx); err != nil {
		logging.Warn().Err(err).Msg("xa not reachable at startup, sync will retry on schedule")
	}
	cancel()

	logging.Info().Str("addr", cfg.Server.Addr()).Msg("ledgerlink ready")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor tree failed: %w", err)
	}

	logging.Info().Msg("ledgerlink stopped")
	return nil
}
