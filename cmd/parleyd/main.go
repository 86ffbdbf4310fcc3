// parleyd is the credential backend: it holds the long-lived provider key and
// mints single-use session credentials for voice clients.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/antoniostano/parley/internal/broker"
	"github.com/antoniostano/parley/internal/config"
	"github.com/antoniostano/parley/internal/httpapi"
	"github.com/antoniostano/parley/internal/logging"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/voice"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	minter := broker.New(broker.Config{
		APIKey:      cfg.OpenAIAPIKey,
		SessionsURL: cfg.RealtimeSessionsURL,
		Timeout:     cfg.ProviderTimeout,
	},
		broker.WithLogger(logging.Component(logger, "broker")),
		broker.WithMetrics(metrics),
	)
	if !minter.Configured() {
		logger.Warn("OPENAI_API_KEY is not set; /session will fail until it is configured")
	}

	api := httpapi.New(cfg, minter, voice.DefaultCatalog(), metrics, logging.Component(logger, "httpapi"))
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
