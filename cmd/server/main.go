// Command server starts the AI orchestration gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/cache/rediscache"
	httpserver "github.com/fairyhunter13/ai-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/admission"
	"github.com/fairyhunter13/ai-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-orchestrator/internal/backend"
	"github.com/fairyhunter13/ai-orchestrator/internal/cache"
	"github.com/fairyhunter13/ai-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-orchestrator/internal/health"
	"github.com/fairyhunter13/ai-orchestrator/internal/jobs"
	"github.com/fairyhunter13/ai-orchestrator/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	backends, err := cfg.Backends()
	if err != nil {
		slog.Error("backend configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}
	reg, err := registry.New(backends)
	if err != nil {
		slog.Error("registry build failed", slog.Any("error", err))
		os.Exit(1)
	}
	for _, b := range backends {
		slog.Info("backend registered",
			slog.String("backend", b.ID),
			slog.String("url", b.BaseURL),
			slog.Int("max_in_flight", b.MaxInFlight))
	}

	adm := admission.NewController(backends, cfg.GlobalQueueCap)
	pool := backend.NewPool(backend.PoolConfig{
		KeepAliveConns: cfg.HTTPPoolConnections,
		MaxConns:       cfg.HTTPPoolMaxSize,
		IdleExpiry:     cfg.HTTPIdleExpiry,
		CallTimeout:    cfg.HTTPTimeout,
		ConnectTimeout: cfg.HTTPConnectTimeout,
	})

	var mirror *rediscache.Mirror
	var cacheMirror cache.Mirror
	if cfg.RedisAddr != "" {
		mirror = rediscache.New(cfg.RedisAddr)
		cacheMirror = mirror
		defer func() { _ = mirror.Close() }()
		slog.Info("response cache mirror enabled", slog.String("addr", cfg.RedisAddr))
	}
	respCache := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL, cacheMirror)

	jm := jobs.NewManager(cfg.RetentionWindow)
	agg := health.New(reg, adm, pool, cfg.ProbeInterval, cfg.CircuitCooldown, cfg.CircuitFailureThreshold)

	disp := dispatch.New(dispatch.Config{
		RetryMaxAttempts:     cfg.RetryMaxAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		DefaultTimeout:       cfg.HTTPTimeout,
		MaxBatchSize:         cfg.MaxBatchSize,
		MaxBatchWait:         cfg.MaxBatchWait,
	}, reg, adm, pool, respCache, jm, agg)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go jm.RunJanitor(bgCtx, cfg.JanitorInterval)
	go agg.Run(bgCtx)

	var ready []httpserver.ReadyCheck
	if mirror != nil {
		ready = app.BuildReadinessChecks(reg, mirror)
	} else {
		ready = app.BuildReadinessChecks(reg, nil)
	}
	srv := httpserver.NewServer(cfg, disp, agg, ready...)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	disp.Shutdown(shutdownCtx)
	bgCancel()
}
