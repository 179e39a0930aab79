// distribution-service hosts distribution agents and serves their HTTP API.
package main

import (
	"context"
	"distribution/internal/api"
	"distribution/internal/component"
	"distribution/internal/config"
	"distribution/internal/observability"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topology, err := config.LoadTopology(svcCfg.ConfigFile)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	components, err := component.Build(ctx, topology, component.Options{
		Metrics:   metrics,
		JWTSecret: svcCfg.JWTSecret,
	})
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	if err := components.Start(); err != nil {
		components.Close(ctx)
		return err
	}
	slog.Info("Components started",
		"agents", len(components.Agents),
		"exporters", len(components.Exporters),
		"importers", len(components.Importers),
		"triggers", len(components.Triggers),
	)

	routerCfg := components.RouterConfig()
	routerCfg.MaxPackageBytes = svcCfg.MaxPackageBytes
	if routerCfg.Authenticator == nil {
		slog.Warn("API authentication disabled - no users configured")
	} else if routerCfg.AllowAnonymous {
		slog.Warn("Anonymous API access allowed")
	}
	router := api.NewRouter(ctx, routerCfg)

	// Packages and event streams can take long to transfer; the trigger
	// handler sets its own write deadline.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		components.Close(context.Background())
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	components.Health.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: stop queue processing and flush webhooks. Items still
	// queued stay in their queue for the next start.
	slog.Info("Stopping agents")
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer closeCancel()
	for name, a := range components.Agents {
		stats := a.Stats()
		slog.Info("Agent stats",
			"agent", name,
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"retried", stats.Retried,
			"dropped", stats.Dropped,
		)
	}
	if err := components.Close(closeCtx); err != nil {
		slog.Warn("Component shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
