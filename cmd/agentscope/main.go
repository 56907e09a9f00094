package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/agentscope/internal/config"
	"github.com/tjfontaine/agentscope/internal/health"
	"github.com/tjfontaine/agentscope/internal/hub"
	"github.com/tjfontaine/agentscope/internal/resilience"
	"github.com/tjfontaine/agentscope/internal/server"
	"github.com/tjfontaine/agentscope/internal/store"
	"github.com/tjfontaine/agentscope/internal/stream"
	"github.com/tjfontaine/agentscope/internal/telemetry"
)

const memoryCheckInterval = 30 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer("agentscope", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	st := store.New(
		store.WithHistoryCap(cfg.Store.HistoryCap),
		store.WithSessionTimeout(cfg.Store.SessionTimeout),
		store.WithLogger(logger),
	)
	streamer := stream.New(
		stream.WithReplayCap(cfg.Stream.ReplayCap),
		stream.WithRetention(cfg.Stream.Retention),
		stream.WithLogger(logger),
	)
	monitor := health.New(
		health.WithThresholds(health.Thresholds{
			MemoryBytes: cfg.Health.MemoryBytes,
			ErrorRate:   cfg.Health.ErrorRate,
			AvgLatency:  cfg.Health.AvgLatency,
			SlowRequest: cfg.Health.SlowRequest,
		}),
		health.WithLogger(logger),
	)
	executor := resilience.NewExecutor(
		resilience.WithRecorder(monitor),
		resilience.WithProductionMode(cfg.Resilience.Production),
		resilience.WithBreakerDefaults(
			resilience.WithFailureThreshold(cfg.Resilience.BreakerThreshold),
			resilience.WithCooldown(cfg.Resilience.BreakerCooldown),
		),
		resilience.WithLogger(logger),
	)

	h := hub.New(st, streamer, monitor, executor, hub.WithLogger(logger))
	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, h, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		// Expired sessions take their broadcast channels with them.
		st.RunExpiry(ctx, cfg.Store.SweepInterval, func(sessionIDs []string) {
			for _, id := range sessionIDs {
				streamer.DropSession(id)
			}
		})
		return nil
	})
	g.Go(func() error {
		streamer.RunCleanup(ctx, cfg.Stream.SweepInterval)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(memoryCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				monitor.CheckMemory()
			}
		}
	})
	g.Go(func() error {
		alerts := h.Alerts()
		for {
			select {
			case <-ctx.Done():
				return nil
			case alert := <-alerts:
				logger.Warn("health alert",
					slog.String("type", string(alert.Type)),
					slog.String("message", alert.Message),
				)
			}
		}
	})

	// Drain connections once the signal arrives, then let the group wind
	// down.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("agentscope started", slog.Int("port", cfg.Server.Port))

	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
