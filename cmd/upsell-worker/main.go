// Command upsell-worker delivers delayed upsell offers. It claims due jobs
// from Postgres and sends them through the messaging provider, independent of
// the API process so offers survive restarts and deploys.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/atendezap/atendezap/internal/app/bootstrap"
	appconfig "github.com/atendezap/atendezap/internal/config"
	"github.com/atendezap/atendezap/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting atendezap upsell worker", "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	go app.UpsellWorker.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down upsell worker...")
	cancel()
	app.UpsellWorker.Stop()
	app.Close()
	logger.Info("upsell worker stopped")
}
