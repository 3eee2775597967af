package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/UniQw/coinqw/internal/app"
	"github.com/UniQw/coinqw/internal/config"
	"github.com/UniQw/coinqw/internal/logging"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("coinqw stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("shutdown complete")
	_ = log.Sync()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer o.Close()

	log.Info("coinqw starting",
		zap.String("env", cfg.Env),
		zap.String("redis", cfg.RedisAddr),
		zap.String("db", cfg.DBDriver),
		zap.Bool("scheduler", cfg.EnableScheduler),
	)
	return o.Run(ctx)
}
