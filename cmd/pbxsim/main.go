// Command pbxsim runs a telephone switch simulator: a TCP server where each
// connection is a telephone unit that can pick up, hang up, dial another
// extension, or chat with whatever extension it is currently connected to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/pbxsim/internal/api"
	"github.com/flowpbx/pbxsim/internal/config"
	"github.com/flowpbx/pbxsim/internal/conn"
	"github.com/flowpbx/pbxsim/internal/metrics"
	"github.com/flowpbx/pbxsim/internal/pbx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	registry := pbx.NewRegistry(cfg.MaxExtensions, logger)
	guard := conn.NewAcceptGuard(cfg.AcceptRate, cfg.AcceptBurst)
	svc := conn.NewService(registry, guard, logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Port, err)
	}
	logger.Info("pbx listening", "port", cfg.Port, "max_extensions", cfg.MaxExtensions)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metricsRegistryAdapter{registry}.collector(time.Now()))

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: api.NewServer(apiRegistryAdapter{registry}, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		if err := svc.Serve(ctx, ln); err != nil {
			errs <- fmt.Errorf("pbx listener: %w", err)
		}
	}()
	go func() {
		logger.Info("admin api listening", "addr", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("admin api: %w", err)
		}
	}()

	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pruneTicker.C:
				guard.Prune(10 * time.Minute)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errs:
		logger.Error("fatal error, shutting down", "error", err)
	}

	cancel()
	ln.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry shutdown did not complete cleanly", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown did not complete cleanly", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// metricsRegistryAdapter and apiRegistryAdapter translate *pbx.Registry's
// return types into the metrics and api packages' own dependency-free
// mirror types, so neither package needs to import internal/pbx directly.

type metricsRegistryAdapter struct{ r *pbx.Registry }

func (a metricsRegistryAdapter) Len() int { return a.r.Len() }
func (a metricsRegistryAdapter) Cap() int { return a.r.Cap() }

func (a metricsRegistryAdapter) Snapshot() []metrics.ExtensionStatus {
	src := a.r.Snapshot()
	out := make([]metrics.ExtensionStatus, len(src))
	for i, s := range src {
		out[i] = metrics.ExtensionStatus(s)
	}
	return out
}

func (a metricsRegistryAdapter) Counters() metrics.Counters {
	return metrics.Counters(a.r.Counters())
}

func (a metricsRegistryAdapter) collector(startedAt time.Time) *metrics.Collector {
	return metrics.NewCollector(a, startedAt)
}

type apiRegistryAdapter struct{ r *pbx.Registry }

func (a apiRegistryAdapter) Len() int { return a.r.Len() }
func (a apiRegistryAdapter) Cap() int { return a.r.Cap() }

func (a apiRegistryAdapter) Snapshot() []api.ExtensionStatus {
	src := a.r.Snapshot()
	out := make([]api.ExtensionStatus, len(src))
	for i, s := range src {
		out[i] = api.ExtensionStatus(s)
	}
	return out
}
