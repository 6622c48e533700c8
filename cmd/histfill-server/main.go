package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"histfill/internal/app"
	"histfill/internal/config"
	"histfill/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/histfill.yaml"
	if p := os.Getenv("HISTFILL_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("config %s not found, using defaults", cfgPath)
		cfg, err = config.LoadEnv()
	}
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	util.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("histfill-server starting", "provider", cfg.Provider.Name,
		"http_port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort)
	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("histfill-server stopped")
}
