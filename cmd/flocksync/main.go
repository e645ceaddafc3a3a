package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"flocksync/internal/app"
	"flocksync/pkg/config"
	"flocksync/pkg/logger"
)

// build metadata - set via ldflags during build/release
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (yaml)")
	userID := flag.String("user", os.Getenv("FLOCKSYNC_USER_ID"), "user id for this session")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.Logging.Level)
	logger.Info("flocksync_starting", "version", version, "commit", commit)

	a, err := app.New(cfg, *userID)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("run_failed", "error", err)
		os.Exit(1)
	}
}
