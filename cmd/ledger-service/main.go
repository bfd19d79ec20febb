package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"predictex.com/internal/app"
	"predictex.com/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "ledger-service exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
