package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketprism/marketprism/internal/bus"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/health"
	"github.com/marketprism/marketprism/internal/lifecycle"
	"github.com/marketprism/marketprism/internal/storage"
)

// hotTTLDays is the hot store retention; cold retention is configured on
// the replicator side.
const hotTTLDays = 3

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Config invalid")
	}

	log.Info().
		Str("bus", cfg.Bus.URL).
		Str("hot", cfg.Hot.Addr()).
		Str("db", cfg.Hot.Database).
		Msg("Starting hot writer")

	ctx := context.Background()

	conn, err := storage.Open(ctx, cfg.Hot)
	if err != nil {
		log.Fatal().Err(err).Msg("Hot store unreachable")
	}
	defer conn.Close()

	// Readiness gate: the writer only consumes once the schema is in place
	// and verified.
	if err := storage.EnsureSchema(ctx, conn, cfg.Hot.Database, hotTTLDays); err != nil {
		log.Fatal().Err(err).Msg("Hot schema setup failed")
	}
	if err := storage.VerifySchema(ctx, conn, cfg.Hot.Database); err != nil {
		log.Fatal().Err(err).Msg("Hot schema verification failed")
	}

	b, err := bus.Connect(cfg.Bus.URL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Bus connection failed")
	}
	defer b.Close()
	if err := b.EnsureStreams(); err != nil {
		log.Fatal().Err(err).Msg("Stream setup failed")
	}

	w := storage.NewWriter(conn, cfg.Hot.Database, b, cfg.Writer, log.Logger)

	srv := health.NewServer(cfg.Health.Addr, false, log.Logger)
	srv.Register("writer", w.Err)

	runner := lifecycle.NewRunner(log.Logger)
	runner.Add("health", srv.Run)
	runner.Add("writer", w.Run)

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Writer exited")
	}
	log.Info().Msg("Writer stopped")
}
