// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package scheduler runs one polling loop per monitored server. Loops are
// isolated: a server that is down backs off and flips to unhealthy without
// affecting the cadence of any other server.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/streamguard/internal/events"
	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/mediaserver"
	"github.com/tomtom215/streamguard/internal/metrics"
	"github.com/tomtom215/streamguard/internal/models"
	"github.com/tomtom215/streamguard/internal/store"
)

// Clock abstracts time for deterministic scheduling tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Processor consumes one reconciled snapshot. Implemented by the application
// core: reconcile, run detection, emit events.
type Processor interface {
	ProcessSnapshot(ctx context.Context, serverID string, raws []models.RawSession, observedAt time.Time) error
}

// Config holds polling parameters.
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	MaxBackoff    time.Duration
	DownThreshold int
}

// Manager owns the polling loops and attaches them to a supervisor.
type Manager struct {
	cfg       Config
	processor Processor
	servers   store.Servers
	emitter   events.Emitter
	clock     Clock

	mu    sync.Mutex
	loops map[string]*pollLoop
	sup   *suture.Supervisor
}

// NewManager creates a manager. Loops are added via Add.
func NewManager(cfg Config, processor Processor, servers store.Servers, emitter events.Emitter, clock Clock) *Manager {
	if clock == nil {
		clock = RealClock()
	}
	return &Manager{
		cfg:       cfg,
		processor: processor,
		servers:   servers,
		emitter:   emitter,
		clock:     clock,
		loops:     make(map[string]*pollLoop),
	}
}

// Attach registers the manager's loops with the supervisor. Loops added later
// join the same supervisor.
func (m *Manager) Attach(sup *suture.Supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sup = sup
	for _, loop := range m.loops {
		loop.token = sup.Add(loop)
	}
}

// Add starts polling a server. Adding an already-polled server is a no-op.
func (m *Manager) Add(server *models.Server, client mediaserver.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loops[server.ID]; ok {
		return
	}

	loop := newPollLoop(server.ID, client, m.cfg, m.processor, m.servers, m.emitter, m.clock)
	m.loops[server.ID] = loop
	if m.sup != nil {
		loop.token = m.sup.Add(loop)
	}

	logging.Info().
		Str("server_id", server.ID).
		Str("backend", string(server.Backend)).
		Msg("Polling loop added")
}

// Remove stops polling a server. In-flight poll results for the server are
// discarded via loop context cancellation.
func (m *Manager) Remove(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loop, ok := m.loops[serverID]
	if !ok {
		return
	}
	delete(m.loops, serverID)
	if m.sup != nil {
		if err := m.sup.Remove(loop.token); err != nil {
			logging.Warn().Err(err).Str("server_id", serverID).Msg("Failed to remove polling loop")
		}
	}
}

// ForcePoll triggers an immediate poll outside the schedule. Returns false
// when the server is not being polled.
func (m *Manager) ForcePoll(serverID string) bool {
	m.mu.Lock()
	loop, ok := m.loops[serverID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case loop.forceCh <- struct{}{}:
	default:
		// A forced poll is already pending.
	}
	return true
}

// pollLoop polls one server. It implements suture.Service.
type pollLoop struct {
	serverID  string
	client    mediaserver.Client
	cfg       Config
	processor Processor
	servers   store.Servers
	emitter   events.Emitter
	clock     Clock
	breaker   *gobreaker.CircuitBreaker[[]models.RawSession]
	forceCh   chan struct{}
	token     suture.ServiceToken

	consecutiveFailures int
	interval            time.Duration
	healthy             bool
}

func newPollLoop(serverID string, client mediaserver.Client, cfg Config,
	processor Processor, servers store.Servers, emitter events.Emitter, clock Clock) *pollLoop {
	breaker := gobreaker.NewCircuitBreaker[[]models.RawSession](gobreaker.Settings{
		Name:        "poll-" + serverID,
		MaxRequests: 1,
		Timeout:     cfg.MaxBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &pollLoop{
		serverID:  serverID,
		client:    client,
		cfg:       cfg,
		processor: processor,
		servers:   servers,
		emitter:   emitter,
		clock:     clock,
		breaker:   breaker,
		forceCh:   make(chan struct{}, 1),
		interval:  cfg.Interval,
		healthy:   true,
	}
}

// Serve polls until the context is canceled.
func (l *pollLoop) Serve(ctx context.Context) error {
	for {
		l.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.forceCh:
		case <-l.clock.After(l.interval):
		}
	}
}

func (l *pollLoop) pollOnce(ctx context.Context) {
	observedAt := l.clock.Now().UTC()
	start := time.Now()

	// The poll runs on a detached timeout context: loop removal or shutdown
	// lets an in-flight call complete (bounded by Timeout) and discards its
	// result below, rather than aborting it mid-request.
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.Timeout)
	raws, err := l.breaker.Execute(func() ([]models.RawSession, error) {
		return l.client.ListActiveSessions(pollCtx)
	})
	cancel()

	metrics.PollDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		// Shutdown or removal; the completed call's outcome is discarded.
		return
	}
	if err != nil {
		l.onFailure(ctx, err)
		return
	}

	l.onSuccess(ctx)

	if err := l.processor.ProcessSnapshot(ctx, l.serverID, raws, observedAt); err != nil {
		logging.Error().Err(err).Str("server_id", l.serverID).Msg("Snapshot processing failed")
	}
}

func (l *pollLoop) onFailure(ctx context.Context, err error) {
	metrics.PollsTotal.WithLabelValues(l.serverID, "failure").Inc()
	l.consecutiveFailures++

	// Exponential backoff, capped.
	l.interval = min(l.interval*2, l.cfg.MaxBackoff)

	logging.Warn().Err(err).
		Str("server_id", l.serverID).
		Int("consecutive_failures", l.consecutiveFailures).
		Dur("next_poll_in", l.interval).
		Msg("Poll failed")

	if l.healthy && l.consecutiveFailures >= l.cfg.DownThreshold {
		l.healthy = false
		l.transition(ctx, models.HealthDown)
	}
}

func (l *pollLoop) onSuccess(ctx context.Context) {
	metrics.PollsTotal.WithLabelValues(l.serverID, "success").Inc()
	l.consecutiveFailures = 0
	l.interval = l.cfg.Interval

	if !l.healthy {
		l.healthy = true
		l.transition(ctx, models.HealthUp)
	}
}

// transition persists and announces a health edge. Emitted only on the edge,
// never per failed poll.
func (l *pollLoop) transition(ctx context.Context, health models.HealthState) {
	at := l.clock.Now().UTC()

	if err := l.servers.SetHealth(ctx, l.serverID, health, at); err != nil {
		logging.Error().Err(err).Str("server_id", l.serverID).Msg("Failed to persist health transition")
	}

	gauge := 1.0
	topic := models.TopicServerUp
	if health == models.HealthDown {
		gauge = 0.0
		topic = models.TopicServerDown
	}
	metrics.ServerHealth.WithLabelValues(l.serverID).Set(gauge)

	l.emitter.Emit(ctx, topic, &models.ServerHealthEvent{
		ServerID:     l.serverID,
		Health:       health,
		Failures:     l.consecutiveFailures,
		TransitionAt: at,
	})

	logging.Info().
		Str("server_id", l.serverID).
		Str("health", string(health)).
		Msg("Server health transition")
}

func (l *pollLoop) String() string {
	return fmt.Sprintf("poll-%s", l.serverID)
}
