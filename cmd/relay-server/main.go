// cmd/relay-server/main.go
package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agent-relay/internal/common/config"
	"agent-relay/internal/common/logger"
	"agent-relay/internal/common/observability"
	"agent-relay/internal/relay/engine"
	"agent-relay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "console")
		boot.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	})

	zapLog.Info("Starting agent relay...", zap.String("environment", cfg.App.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(observability.Options{
		ServiceName:    cfg.App.Name,
		TracingEnabled: cfg.Tracing.Enabled,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}

	deps, err := connect(ctx, cfg, log)
	if err != nil {
		zapLog.Fatal("dependency init failed", zap.Error(err))
	}
	defer deps.close(log)

	authn, err := buildAuthenticator(cfg)
	if err != nil {
		zapLog.Fatal("authenticator init failed", zap.Error(err))
	}

	dispatcher, err := buildArchive(ctx, cfg, deps, log)
	if err != nil {
		zapLog.Fatal("archive init failed", zap.Error(err))
	}
	dispatcher.Start()

	eng := engine.New(deps.ledger, engine.Config{
		DefaultTimeout:      config.GetDuration(cfg.Relay.DefaultTimeout),
		MinTimeout:          config.GetDuration(cfg.Relay.MinTimeout),
		MaxTimeout:          config.GetDuration(cfg.Relay.MaxTimeout),
		MaxSchemaBytes:      cfg.Relay.MaxSchemaBytes,
		SweepInterval:       config.GetDuration(cfg.Relay.SweepInterval),
		FailFastNoProviders: cfg.Relay.FailFastNoProviders,
		ProviderLiveness:    config.GetDuration(cfg.Relay.ProviderLiveness),
	}, log, engine.WithObservability(obs), engine.WithArchive(dispatcher))

	srv, err := server.New(eng, authn, log, server.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit:    cfg.Server.RateLimit,
		RateWindow:   config.GetDuration(cfg.Server.RateWindow),
	})
	if err != nil {
		zapLog.Fatal("server init failed", zap.Error(err))
	}

	go eng.RunReaper(ctx)
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv,
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	go func() {
		zapLog.Info("Relay listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zapLog.Info("Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		zapLog.Error("archive drain incomplete", zap.Error(err))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("observability shutdown failed", zap.Error(err))
	}

	zapLog.Info("Agent relay stopped gracefully", zap.Duration("uptime", time.Since(startedAt)))
}

var startedAt = time.Now()
