// Package main is the entry point for the llmapi service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmapi/internal/config"
	"github.com/howard-nolan/llmapi/internal/logging"
	"github.com/howard-nolan/llmapi/internal/metrics"
	"github.com/howard-nolan/llmapi/internal/provider"
	"github.com/howard-nolan/llmapi/internal/server"
)

var configFile = flag.String("config", "config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Model.APIKey == "" {
		// Not fatal: /health keeps working and model endpoints answer 500.
		logger.Warn("model credential not set; model endpoints will fail",
			zap.String("env", config.CredentialEnv))
	}

	models := provider.NewFactory(cfg.Model, &http.Client{})
	srv := server.New(cfg, models, logger, metrics.New())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llmapi listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("model", cfg.Model.Name),
			zap.String("backend", cfg.Model.Backend),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
