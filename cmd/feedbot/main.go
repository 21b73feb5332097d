package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"feedbot/internal/app"
	"feedbot/internal/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	// Optional .env next to the binary, e.g. for FEEDBOT_TELEGRAM_TOKEN.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("exiting after fatal error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
