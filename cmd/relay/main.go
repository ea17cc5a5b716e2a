// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the relay server with Prometheus metrics, health
// probes and graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	relay "github.com/Ghostfacexx/mitmproxy-sub001"
	_ "github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter/stats"
	_ "github.com/Ghostfacexx/mitmproxy-sub001/pkg/filter/trace"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/health"
	"github.com/Ghostfacexx/mitmproxy-sub001/pkg/metrics"
)

const envPrefix = "RELAY_"

func main() {
	// The .env file is optional; the environment takes precedence.
	_ = godotenv.Load()

	cfg, err := relay.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New("relay", nil)

	svc, err := relay.NewService(cfg, logger, m)
	if err != nil {
		logger.Error("Failed to create relay service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.MetricsPort > 0 {
		go startMetricsServer(cfg.MetricsPort, logger)
	}

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
		return nil
	})
	healthChecker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryBytes.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryBytes.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})
	svc.RegisterHealthChecks(healthChecker)
	if cfg.HealthPort > 0 {
		go startHealthServer(cfg.HealthPort, healthChecker, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logger.Info("Starting relay server",
		slog.String("address", cfg.Address()),
		slog.Bool("tls", cfg.ServerCert != ""),
		slog.Any("filters", cfg.Filters))
	if cfg.WSPort != "" {
		logger.Info("Starting WebSocket transport",
			slog.String("address", cfg.WSAddress()),
			slog.String("path", cfg.WSPath))
	}

	g.Go(func() error {
		return svc.Listen(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	cancel()

	// The transports drain within cfg.ShutdownTimeout themselves; the
	// extra headroom covers their force-close grace period.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	done := make(chan error)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health probe HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      checker.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health server error", slog.String("error", err.Error()))
	}
}
