package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"hookrelay/internal/pkg/logger"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
	"hookrelay/migrations"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	applied, err := database.Migrate(ctx, db, migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	if len(applied) == 0 {
		log.Info().Msg("schema is up to date")
		return
	}
	log.Info().Strs("applied", applied).Str("driver", cfg.Database.Driver).Msg("migrations applied")
}
