package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketprism/marketprism/internal/bus"
	"github.com/marketprism/marketprism/internal/collector"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/deadletter"
	"github.com/marketprism/marketprism/internal/health"
	"github.com/marketprism/marketprism/internal/lifecycle"
	"github.com/marketprism/marketprism/internal/normalizer"
	"github.com/marketprism/marketprism/internal/publisher"
)

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
		Str("health", cfg.Health.Addr).
		Int("exchanges", len(cfg.Exchanges)).
		Msg("Starting collector")

	b, err := bus.Connect(cfg.Bus.URL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Bus connection failed")
	}
	defer b.Close()
	if err := b.EnsureStreams(); err != nil {
		log.Fatal().Err(err).Msg("Stream setup failed")
	}

	var sink deadletter.Sink
	if cfg.Deadletter.RedisAddr != "" {
		rds, err := deadletter.NewRedis(cfg.Deadletter.RedisAddr, cfg.Deadletter.MaxLen, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Deadletter.RedisAddr).Msg("Deadletter redis unreachable")
		}
		defer rds.Close()
		sink = rds
	} else {
		sink = deadletter.NewMemory(cfg.Deadletter.MaxLen)
	}

	pub := publisher.New(b.JS(), sink, log.Logger)
	norm := normalizer.New(normalizer.NewSymbolRegistry())
	col := collector.New(cfg, norm, pub, log.Logger)

	srv := health.NewServer(cfg.Health.Addr, false, log.Logger)
	srv.Register("clients", col.Err)

	runner := lifecycle.NewRunner(log.Logger)
	runner.Add("health", srv.Run)
	runner.Add("collector", col.Run)

	if err := runner.Run(context.Background()); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Collector exited")
	}
	log.Info().Msg("Collector stopped")
}
