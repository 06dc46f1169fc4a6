// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Command server runs the Streamguard detection engine: it polls the
// configured media servers, reconciles sessions, evaluates detection rules
// and emits events to the notification channel.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/streamguard/internal/app"
	"github.com/tomtom215/streamguard/internal/config"
	"github.com/tomtom215/streamguard/internal/detection"
	"github.com/tomtom215/streamguard/internal/events"
	"github.com/tomtom215/streamguard/internal/geo"
	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/scheduler"
	"github.com/tomtom215/streamguard/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("servers", len(cfg.Servers)).
		Dur("poll_interval", cfg.Poll.Interval).
		Msg("Streamguard starting")

	st, err := openStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}

	cooldowns, err := detection.OpenCooldownStore(cfg.Cooldown.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open cooldown store")
	}

	emitter := openEmitter(cfg)
	resolver := openResolver(cfg)

	a := app.New(cfg, st, cooldowns, emitter, resolver, scheduler.RealClock())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("Engine exited with error")
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	return store.OpenDuckDB(cfg.Database.Path, cfg.Database.MaxMemory)
}

func openEmitter(cfg *config.Config) events.Emitter {
	if cfg.Events.NATSEnabled {
		pub, err := events.NewNATSPublisher(cfg.Events.URL)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect NATS publisher")
		}
		return events.NewPublisherEmitter(pub, cfg.Events.TopicPrefix)
	}

	// In-process channel publisher: events are still produced for any
	// embedded subscriber, nothing leaves the process.
	pub := gochannel.NewGoChannel(gochannel.Config{}, nil)
	return events.NewPublisherEmitter(pub, cfg.Events.TopicPrefix)
}

func openResolver(cfg *config.Config) geo.Resolver {
	if !cfg.Geo.Enabled {
		return geo.NopResolver{}
	}
	return geo.NewIPAPIResolver(cfg.Geo.RatePerMinute)
}
