package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chat-backend/internal/common/logging"
	"chat-backend/internal/config"
	"chat-backend/internal/server"
)

// Run is the main entry point for the application
func Run() error {
	// A missing .env is fine
	_ = godotenv.Load()

	cfg := config.Load()

	// An unknown level falls back to info here and is rejected by Validate below
	logger, err := logging.InitGlobalLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logging.MustSync()

	logger.Info("Starting chat limits service",
		logging.Int("cpus", runtime.NumCPU()),
		logging.String("version", Version),
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", err)
		return err
	}

	app, err := New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Second)
	if err := app.Stores.Health(startupCtx); err != nil {
		// Not fatal: the failure policy covers an unreachable store
		logger.Warn("Limit storage not reachable at startup", logging.Err(err))
	}
	cancelStartup()

	srv := server.New(app.Routes(), ":"+cfg.Port, logger)
	if err := srv.Start(); err != nil {
		logger.Error("Server failed to start", err)
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-srv.Errors():
		if err != nil {
			logger.Error("Server stopped unexpectedly", err)
			return err
		}
	}

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", err)
		return err
	}

	logger.Info("Server exited")
	return nil
}
