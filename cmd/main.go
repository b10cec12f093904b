package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/config"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/di"
	"github.com/nuhmanudheent/hosp-connect-attention-service/logs"
)

func main() {
	logger := logs.NewLogger()

	if err := di.LoadEnv(logger); err != nil {
		logger.WithField("Error", err).Fatal("Failed to load env file")
	}
	cfg, err := config.Load()
	if err != nil {
		logger.WithField("Error", err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := di.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithField("Error", err).Fatal("Failed to start service")
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		logger.WithField("Error", runErr).Error("Server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.WithField("Error", err).Error("Shutdown did not complete cleanly")
	}
	logger.WithFields(logrus.Fields{"Function": "main"}).Info("Service stopped")

	if runErr != nil {
		os.Exit(1)
	}
}
