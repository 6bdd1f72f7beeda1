// server runs the authorization and change-notification engine: the gRPC health surface, the
// watch registry and the webhook delivery pool.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wayli-app/fluxbase-sub006/internal/app"
	"github.com/wayli-app/fluxbase-sub006/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	runErr := engine.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	engine.Close(closeCtx)

	if runErr != nil {
		logger.Error("server stopped", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
