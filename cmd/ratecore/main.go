package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/umbrellasoft/ratecore/internal/config"
	"github.com/umbrellasoft/ratecore/internal/exchange"
	"github.com/umbrellasoft/ratecore/internal/exchange/bybit"
	"github.com/umbrellasoft/ratecore/internal/exchange/bybitws"
	"github.com/umbrellasoft/ratecore/internal/report"
	"github.com/umbrellasoft/ratecore/internal/state"
)

func main() {
	configPath := flag.String("config", "yamls/config.yaml", "Path to config file")
	flag.Parse()

	// Set up logging
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	store := state.NewStore()

	supervisor, err := exchange.NewSupervisor(cfg, store, map[string]exchange.Factory{
		config.KindREST: bybit.New,
		config.KindWS:   bybitws.New,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build connectors")
	}

	reporter := report.NewReporter(store, cfg.ReportSchedule)
	if err := reporter.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start state reporter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supervisor.Run(ctx)
	log.Info().Msg("all connectors started")

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh
	log.Info().Msg("Shutting down...")

	supervisor.Stop()
	reporter.Stop()
	log.Info().Msg("shutdown complete")
}
