// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package app wires the engine together: stores, reconciler, detection,
// trust, scheduler and the supervision tree, and exposes the query and admin
// surface callers embed the engine through.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/streamguard/internal/config"
	"github.com/tomtom215/streamguard/internal/detection"
	"github.com/tomtom215/streamguard/internal/events"
	"github.com/tomtom215/streamguard/internal/faults"
	"github.com/tomtom215/streamguard/internal/geo"
	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/mediaserver"
	"github.com/tomtom215/streamguard/internal/models"
	"github.com/tomtom215/streamguard/internal/reconciler"
	"github.com/tomtom215/streamguard/internal/scheduler"
	"github.com/tomtom215/streamguard/internal/store"
	"github.com/tomtom215/streamguard/internal/supervisor"
	"github.com/tomtom215/streamguard/internal/trust"
)

// App is the assembled detection engine.
type App struct {
	cfg *config.Config

	store     store.Store
	cooldowns *detection.CooldownStore
	emitter   events.Emitter
	resolver  geo.Resolver

	reconciler *reconciler.Reconciler
	engine     *detection.Engine
	trust      *trust.Calculator
	scheduler  *scheduler.Manager
	tree       *supervisor.Tree
}

// history adapts the reconciler's in-memory registry and the store into the
// detector-facing view. Open sessions come from memory; prior sessions and
// device sightings come from persistence.
type history struct {
	reconciler *reconciler.Reconciler
	sessions   store.Sessions
	devices    store.Devices
}

func (h *history) OpenSessionsForUser(ctx context.Context, userID string) ([]models.Session, error) {
	return h.reconciler.OpenSessionsForUser(ctx, userID)
}

func (h *history) LastSessionForUser(ctx context.Context, userID string, before time.Time, excludeID string) (*models.Session, error) {
	s, err := h.sessions.LastForUser(ctx, userID, before, excludeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (h *history) DeviceSeen(ctx context.Context, userID, platform string) (bool, error) {
	return h.devices.Seen(ctx, userID, platform)
}

// New assembles the engine from its opened resources. The caller owns st,
// cooldowns and emitter until New returns; afterwards Close releases them.
func New(cfg *config.Config, st store.Store, cooldowns *detection.CooldownStore,
	emitter events.Emitter, resolver geo.Resolver, clock scheduler.Clock) *App {
	a := &App{
		cfg:       cfg,
		store:     st,
		cooldowns: cooldowns,
		emitter:   emitter,
		resolver:  resolver,
	}

	a.reconciler = reconciler.New(st.ServerUsers(), st.Sessions(), resolver, reconciler.Config{
		GracePolls:    cfg.Poll.GracePolls,
		PollInterval:  cfg.Poll.Interval,
		TrustBaseline: cfg.Trust.Baseline,
	})

	a.trust = trust.NewCalculator(st.ServerUsers(), emitter, trust.Config{
		PenaltyLow:     cfg.Trust.PenaltyLow,
		PenaltyWarning: cfg.Trust.PenaltyWarning,
		PenaltyHigh:    cfg.Trust.PenaltyHigh,
		Baseline:       cfg.Trust.Baseline,
		RecoveryStep:   cfg.Trust.RecoveryStep,
		DecayInterval:  cfg.Trust.DecayInterval,
		AlertThreshold: cfg.Trust.AlertThreshold,
	})

	hist := &history{reconciler: a.reconciler, sessions: st.Sessions(), devices: st.Devices()}
	a.engine = detection.NewEngine(hist, cooldowns, st.Violations(), st.Devices(),
		a.trust, emitter, detection.EngineConfig{
			ViolationInsertRetries: cfg.Detection.ViolationInsertRetries,
			ViolationRetryDelay:    cfg.Detection.ViolationRetryDelay,
		})

	cs := detection.NewConcurrentStreamsDetector(detection.ConcurrentStreamsConfig{
		MaxStreams: cfg.Detection.ConcurrentStreams.MaxStreams,
		Cooldown:   cfg.Detection.ConcurrentStreams.Cooldown,
	})
	cs.SetEnabled(cfg.Detection.ConcurrentStreams.Enabled)
	a.engine.Register(cs)

	it := detection.NewImpossibleTravelDetector(detection.ImpossibleTravelConfig{
		MaxSpeedKmH: cfg.Detection.ImpossibleTravel.MaxSpeedKmH,
		MinElapsed:  cfg.Detection.ImpossibleTravel.MinElapsed,
		Cooldown:    cfg.Detection.ImpossibleTravel.Cooldown,
	})
	it.SetEnabled(cfg.Detection.ImpossibleTravel.Enabled)
	a.engine.Register(it)

	nd := detection.NewNewDeviceDetector(detection.NewDeviceConfig{
		Cooldown: cfg.Detection.NewDevice.Cooldown,
	})
	nd.SetEnabled(cfg.Detection.NewDevice.Enabled)
	a.engine.Register(nd)

	a.scheduler = scheduler.NewManager(scheduler.Config{
		Interval:      cfg.Poll.Interval,
		Timeout:       cfg.Poll.Timeout,
		MaxBackoff:    cfg.Poll.MaxBackoff,
		DownThreshold: cfg.Poll.DownThreshold,
	}, a, st.Servers(), emitter, clock)

	a.tree = supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	a.scheduler.Attach(a.tree.Polling())
	a.tree.AddBackgroundService(trust.NewDecayService(a.trust, cfg.Trust.DecayInterval))

	return a
}

// ProcessSnapshot is the per-poll pipeline: reconcile the snapshot into
// lifecycle events, announce them, then run detection over the batch.
func (a *App) ProcessSnapshot(ctx context.Context, serverID string, raws []models.RawSession, observedAt time.Time) error {
	batch, err := a.reconciler.Reconcile(ctx, serverID, raws, observedAt)
	if err != nil {
		return fmt.Errorf("reconciling snapshot for %s: %w", serverID, err)
	}

	for i := range batch {
		ev := &batch[i]
		a.emitter.Emit(ctx, ev.Topic(), ev)
	}

	a.engine.ProcessBatch(ctx, batch)
	return nil
}

// Run seeds the configured servers, applies stored rule overrides and serves
// the supervision tree until ctx is canceled. On return all open resources
// are released.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.ApplyRules(ctx, a.store.Rules()); err != nil {
		logging.Error().Err(err).Msg("Failed to apply stored rules, using defaults")
	}

	for i := range a.cfg.Servers {
		if err := a.ConnectServer(ctx, &a.cfg.Servers[i]); err != nil {
			// Startup config is the one place errors are fatal.
			return faults.Fatalf("connecting server %q: %w", a.cfg.Servers[i].URL, err)
		}
	}

	err := a.tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if report, reportErr := a.tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	a.shutdown()
	return err
}

func (a *App) shutdown() {
	if err := a.emitter.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close event emitter")
	}
	if err := a.cooldowns.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close cooldown store")
	}
	if err := a.store.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close store")
	}
	logging.Info().Msg("Shutdown complete")
}

// ConnectServer registers a media server and starts polling it.
func (a *App) ConnectServer(ctx context.Context, mc *config.MediaServerConfig) error {
	id := mc.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", mc.Backend, time.Now().UnixNano())
	}

	server := &models.Server{
		ID:      id,
		Backend: models.BackendType(mc.Backend),
		URL:     mc.URL,
		Active:  true,
		Health:  models.HealthUp,
	}

	client, err := mediaserver.NewClient(server, mc.Token)
	if err != nil {
		return err
	}
	if err := client.VerifyHealth(ctx); err != nil {
		return fmt.Errorf("verifying %s at %s: %w", mc.Backend, mc.URL, err)
	}

	if err := a.store.Servers().Upsert(ctx, server); err != nil {
		return err
	}

	a.scheduler.Add(server, client)
	return nil
}

// DisconnectServer stops polling a server, closes its open sessions and marks
// it inactive. The server record and its history remain.
func (a *App) DisconnectServer(ctx context.Context, serverID string) error {
	a.scheduler.Remove(serverID)

	closed := a.reconciler.CloseAllForServer(ctx, serverID, time.Now().UTC())
	for i := range closed {
		a.emitter.Emit(ctx, closed[i].Topic(), &closed[i])
	}

	return a.store.Servers().SetActive(ctx, serverID, false)
}

// ForcePoll triggers an immediate poll of a server.
func (a *App) ForcePoll(serverID string) bool {
	return a.scheduler.ForcePoll(serverID)
}

// ActiveSessions returns a server's open sessions from the live registry.
func (a *App) ActiveSessions(serverID string) []models.Session {
	return a.reconciler.OpenSessions(serverID)
}

// Violations lists persisted violations.
func (a *App) Violations(ctx context.Context, filter store.ViolationFilter) ([]models.Violation, error) {
	return a.store.Violations().List(ctx, filter)
}

// AcknowledgeViolation marks a violation as reviewed.
func (a *App) AcknowledgeViolation(ctx context.Context, id, by string) error {
	return a.store.Violations().Acknowledge(ctx, id, by, time.Now().UTC())
}

// User returns a user record including the current trust score.
func (a *App) User(ctx context.Context, id string) (*models.ServerUser, error) {
	return a.store.ServerUsers().Get(ctx, id)
}
