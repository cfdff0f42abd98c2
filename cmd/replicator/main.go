package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/health"
	"github.com/marketprism/marketprism/internal/lifecycle"
	"github.com/marketprism/marketprism/internal/replicator"
	"github.com/marketprism/marketprism/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", "", "path to YAML config")
	once := flag.Bool("once", false, "run a single replication pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Config invalid")
	}

	log.Info().
		Str("hot", cfg.Hot.Addr()).
		Str("cold", cfg.Cold.Addr()).
		Dur("interval", cfg.Replicator.Interval()).
		Bool("cleanup", cfg.Replicator.CleanupEnabled).
		Bool("dry_run", cfg.Replicator.DryRun).
		Msg("Starting replicator")

	ctx := context.Background()

	hot, err := storage.Open(ctx, cfg.Hot)
	if err != nil {
		log.Fatal().Err(err).Msg("Hot store unreachable")
	}
	defer hot.Close()
	cold, err := storage.Open(ctx, cfg.Cold)
	if err != nil {
		log.Fatal().Err(err).Msg("Cold store unreachable")
	}
	defer cold.Close()

	// Readiness gate: both stores pinged (by Open) and schema-audited
	// before any copy runs.
	if err := storage.EnsureSchema(ctx, cold, cfg.Cold.Database, cfg.Replicator.ColdTTLDays); err != nil {
		log.Fatal().Err(err).Msg("Cold schema setup failed")
	}
	for _, check := range []struct {
		name string
		err  error
	}{
		{"hot", storage.VerifySchema(ctx, hot, cfg.Hot.Database)},
		{"cold", storage.VerifySchema(ctx, cold, cfg.Cold.Database)},
	} {
		if check.err != nil {
			log.Fatal().Err(check.err).Str("store", check.name).Msg("Schema audit failed")
		}
	}

	r := replicator.New(hot, cold, cfg.Hot.Database, cfg.Cold.Database, cfg.Replicator, log.Logger)
	if err := r.EnsureAudit(ctx); err != nil {
		log.Fatal().Err(err).Msg("Audit table setup failed")
	}

	if *once {
		if err := r.RunOnce(ctx); err != nil {
			log.Fatal().Err(err).Msg("Replication pass failed")
		}
		log.Info().Msg("Replication pass complete")
		return
	}

	srv := health.NewServer(cfg.Health.Addr, cfg.Replicator.CleanupEnabled, log.Logger)
	srv.Register("replicator", r.Err)

	runner := lifecycle.NewRunner(log.Logger)
	runner.Add("health", srv.Run)
	runner.Add("replicator", r.Run)

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Replicator exited")
	}
	log.Info().Msg("Replicator stopped")
}
