// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/feathermq/feathermq/broker"
	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/config"
	"github.com/feathermq/feathermq/ratelimit"
	"github.com/feathermq/feathermq/server/health"
	"github.com/feathermq/feathermq/server/http"
	"github.com/feathermq/feathermq/server/otel"
	"github.com/feathermq/feathermq/txlog"
)

// Exit codes.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitStorageError   = 2
	exitCatalogMissing = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return exitConfigError
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting broker", "version", "0.1.0", "node_id", cfg.Node.ID)

	// Load the topology.
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		slog.Error("Failed to load catalog snapshot", "path", cfg.Catalog.Path, "error", err)
		return exitCatalogMissing
	}

	// Open the transaction log backend.
	var log txlog.Log
	switch cfg.Storage.Type {
	case "memory":
		log = txlog.NewMemLog()
		slog.Info("Using in-memory transaction log")
	case "badger":
		badgerLog, err := txlog.NewBadgerLog(txlog.BadgerConfig{
			Dir:              cfg.Storage.Dir,
			Compression:      parseCompression(cfg.Storage.Compression),
			CompressMinBytes: cfg.Storage.CompressMinBytes,
		})
		if err != nil {
			slog.Error("Failed to open badger transaction log", "error", err)
			return exitStorageError
		}
		log = badgerLog
		slog.Info("Using badger transaction log", "dir", cfg.Storage.Dir)
	default:
		fileLog, err := txlog.NewFileLog(txlog.FileConfig{
			Dir:              cfg.Storage.Dir,
			SegmentMaxBytes:  cfg.Storage.SegmentMaxBytes,
			SyncEveryAppend:  cfg.Storage.SyncEveryAppend,
			Compression:      parseCompression(cfg.Storage.Compression),
			CompressMinBytes: cfg.Storage.CompressMinBytes,
		})
		if err != nil {
			slog.Error("Failed to open file transaction log", "error", err)
			return exitStorageError
		}
		log = fileLog
		slog.Info("Using segmented file transaction log", "dir", cfg.Storage.Dir)
	}
	defer log.Close()

	// Metrics.
	brokerMetrics := broker.Metrics(broker.NopMetrics{})
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Node.Host)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			return exitConfigError
		}
		defer shutdown(context.Background())

		m, err := otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			return exitConfigError
		}
		brokerMetrics = m
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	// Build the engine: replay happens here.
	engineCfg := broker.Config{
		NodeID:              cfg.Node.ID,
		TimeoutScanInterval: cfg.Broker.TimeoutScanInterval,
		MaxAttempts:         cfg.Broker.MaxAttempts,
		DedupWindow:         cfg.Broker.DedupWindow,
		ConsumerIdleTimeout: cfg.Broker.ConsumerIdleTimeout,
		PermitTimeout:       cfg.Broker.PermitTimeout,
		MaxAttributeBytes:   cfg.Broker.MaxAttributeBytes,
	}
	b, err := broker.New(cat, log, engineCfg,
		broker.WithLogger(logger),
		broker.WithMetrics(brokerMetrics),
	)
	if err != nil {
		slog.Error("Failed to start partition engine", "error", err)
		return exitStorageError
	}
	b.Start()
	defer b.Close()

	// Publish rate limiting.
	var limiter *ratelimit.IPRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewIPRateLimiter(cfg.RateLimit.PublishRPS, cfg.RateLimit.Burst, cfg.Broker.ConsumerIdleTimeout)
		defer limiter.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	httpServer := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, b, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exit := exitOK
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		exit = exitConfigError
		cancel()
	}

	wg.Wait()

	if b.ReadOnly() {
		slog.Error("Broker stopped after storage failure")
		return exitStorageError
	}

	slog.Info("Broker stopped")
	return exit
}

func parseCompression(s string) txlog.Compression {
	if s == "s2" {
		return txlog.CompressionS2
	}
	return txlog.CompressionNone
}
