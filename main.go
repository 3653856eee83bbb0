package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clts "copybot/clients"
	"copybot/config"
	"copybot/internal/app"
	"copybot/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Load config from environment variables
	envConfig := config.Load()

	var logger *zap.Logger
	var err error
	if envConfig.IsProd {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting copybot", zap.Bool("isProd", envConfig.IsProd))

	if result := envConfig.Validate(); !result.Valid {
		for _, e := range result.Errors {
			logger.Error("invalid config", zap.String("field", e.Field), zap.String("message", e.Message))
		}
		logger.Fatal("config validation failed", zap.Int("errors", len(result.Errors)))
	}

	// Create LiveConfig with env config as initial value
	liveConfig := config.NewLiveConfig(envConfig)

	logger.Info("instantiating clients")
	clients := clts.NewClients(logger, envConfig)
	defer func() {
		if err := clients.Close(); err != nil {
			logger.Warn("failed to close clients", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	runner := app.NewRunner(clients, liveConfig, store.NewMemoryStore(), nil)

	// SIGHUP re-reads the environment (and .env) and hot-reloads thresholds
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_ = godotenv.Overload()
				if err := liveConfig.Reload(config.Load); err != nil {
					logger.Warn("config reload rejected", zap.Error(err))
					continue
				}
				logger.Info("config reloaded")
			}
		}
	}()

	if err := runner.Run(ctx); err != nil {
		logger.Fatal("runner failed", zap.Error(err))
	}
}
