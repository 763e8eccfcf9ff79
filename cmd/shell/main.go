package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prehisle/pianki/internal/config"
	"github.com/prehisle/pianki/internal/logging"
	"github.com/prehisle/pianki/internal/shell"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the shell config file (default $"+config.EnvConfigFile+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pianki: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		File:        cfg.LogFile(),
		Development: cfg.DevMode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pianki: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("shell starting",
		zap.String("config", cfg.Path()),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := shell.New(cfg, logger.Logger, shell.WithLevelSetter(logger))
	if err := app.Run(ctx); err != nil {
		logger.Error("shell stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("shell stopped")
}
