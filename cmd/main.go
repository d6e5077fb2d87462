package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"transcript-relay-service/internal/app"
	"transcript-relay-service/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start transcript relay")
	}

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Transcript relay stopped with error")
		os.Exit(1)
	}
}
