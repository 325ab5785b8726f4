// Package main is the entry point for the taskplane server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskplane/internal/bootstrap"
	"taskplane/internal/config"
	"taskplane/internal/controller"
	"taskplane/internal/executor"
	"taskplane/internal/logger"
	"taskplane/internal/observability"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: taskplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *migrateFlag {
		cfg.Database.Migrate = true
	}
	lg := logger.NewWithLevel(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTEL.ServiceName, cfg.OTEL.Endpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			lg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			lg.Error("failed to shutdown metrics", "error", err)
		}
	}()

	// Components
	components, err := bootstrap.New(ctx, cfg, lg)
	if err != nil {
		log.Fatalf("Failed to set up components: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.DrainTimeout)
		defer cancel()
		if err := components.Close(closeCtx); err != nil {
			lg.Error("failed to close components", "error", err)
		}
	}()

	unregister, err := observability.RegisterQueueGauges(components.Queue)
	if err != nil {
		lg.Warn("failed to register queue gauges", "error", err)
	} else {
		defer unregister()
	}

	exec, err := executor.New(components.Deps(), executor.Config{
		MaxConcurrentRuns:       cfg.Executor.MaxConcurrentRunsPerTask,
		LockTTL:                 cfg.Executor.LockTTL,
		MetricsInterval:         cfg.Metrics.Interval,
		DrainTimeout:            cfg.Executor.DrainTimeout,
		IgnoredStepFailureFails: cfg.Executor.IgnoredStepFailureFails,
		Logger:                  lg,
	})
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.DrainTimeout)
		defer cancel()
		if err := exec.Close(closeCtx); err != nil {
			lg.Error("failed to close executor", "error", err)
		}
	}()

	if err := exec.Restore(ctx); err != nil {
		lg.Error("restore incomplete", "error", err)
	}

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := controller.New(addr, exec, controller.Options{
		Token:     cfg.HTTP.Token,
		TokenHash: cfg.HTTP.TokenHash,
		RateLimit: cfg.HTTP.RateLimit,
		RateBurst: cfg.HTTP.RateBurst,
		Metrics:   metricsHandler,
		Logger:    lg,
	})

	lg.Info("taskplane starting", "addr", addr, "backend", cfg.Backend.Kind)
	start := time.Now()
	if err := srv.Run(ctx); err != nil {
		lg.Error("server stopped", "error", err)
	}
	lg.Info("shutting down", "uptime", time.Since(start).Round(time.Second))
}
