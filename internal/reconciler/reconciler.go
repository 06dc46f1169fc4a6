// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package reconciler turns raw per-poll session snapshots into session
// lifecycle events. It owns the open-session registry: while a session is
// open, the in-memory record is authoritative and the store is a write-behind
// copy.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/streamguard/internal/geo"
	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/metrics"
	"github.com/tomtom215/streamguard/internal/models"
	"github.com/tomtom215/streamguard/internal/store"
)

// Config holds reconciliation parameters.
type Config struct {
	// GracePolls is how many consecutive snapshots a session may be absent
	// from before it is closed. Absorbs single missed or failed polls.
	GracePolls int

	// PollInterval is the expected snapshot cadence, used to decide whether
	// a close should be backdated to the session's last sighting.
	PollInterval time.Duration

	// TrustBaseline seeds new users' trust scores.
	TrustBaseline int
}

type trackedSession struct {
	session models.Session
	missed  int
}

// Reconciler diffs snapshots against known open sessions per server. Safe for
// concurrent use; snapshots for different servers reconcile independently.
type Reconciler struct {
	mu   sync.Mutex
	open map[string]map[string]*trackedSession // serverID -> sessionKey -> tracked

	users    store.ServerUsers
	sessions store.Sessions
	resolver geo.Resolver
	cfg      Config
}

// New creates a reconciler with an empty registry.
func New(users store.ServerUsers, sessions store.Sessions, resolver geo.Resolver, cfg Config) *Reconciler {
	return &Reconciler{
		open:     make(map[string]map[string]*trackedSession),
		users:    users,
		sessions: sessions,
		resolver: resolver,
		cfg:      cfg,
	}
}

// Reconcile processes one snapshot for a server and returns the lifecycle
// events it implies, in deterministic order: starts and updates first, then
// stops. Malformed raw sessions are logged and skipped; the rest of the
// snapshot still reconciles.
func (r *Reconciler) Reconcile(ctx context.Context, serverID string, raws []models.RawSession, observedAt time.Time) ([]models.LifecycleEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked := r.open[serverID]
	if tracked == nil {
		tracked = make(map[string]*trackedSession)
		r.open[serverID] = tracked
	}

	var eventsOut []models.LifecycleEvent
	seen := make(map[string]struct{}, len(raws))

	for i := range raws {
		raw := &raws[i]
		if err := raw.Validate(); err != nil {
			logging.Warn().
				Str("server_id", serverID).
				Str("session_key", raw.SessionKey).
				Msg("Skipping malformed session in snapshot")
			continue
		}
		seen[raw.SessionKey] = struct{}{}

		if t, ok := tracked[raw.SessionKey]; ok {
			ev := r.updateSession(ctx, t, raw, observedAt)
			eventsOut = append(eventsOut, ev)
			continue
		}

		ev, err := r.startSession(ctx, serverID, raw, observedAt)
		if err != nil {
			logging.Error().Err(err).
				Str("server_id", serverID).
				Str("session_key", raw.SessionKey).
				Msg("Failed to open session")
			continue
		}
		tracked[raw.SessionKey] = &trackedSession{session: ev.Session}
		eventsOut = append(eventsOut, *ev)
	}

	// Known open sessions absent from this snapshot.
	for key, t := range tracked {
		if _, ok := seen[key]; ok {
			continue
		}
		t.missed++
		if t.missed < r.cfg.GracePolls {
			continue
		}

		ev := r.closeSession(ctx, t, observedAt)
		delete(tracked, key)
		eventsOut = append(eventsOut, ev)
	}

	metrics.OpenSessions.WithLabelValues(serverID).Set(float64(len(tracked)))
	for i := range eventsOut {
		metrics.LifecycleEvents.WithLabelValues(string(eventsOut[i].Type)).Inc()
	}

	return eventsOut, nil
}

func (r *Reconciler) startSession(ctx context.Context, serverID string, raw *models.RawSession, observedAt time.Time) (*models.LifecycleEvent, error) {
	user, err := r.users.UpsertByExternalID(ctx, &serverID, raw.ExternalUserID, raw.Username, r.cfg.TrustBaseline)
	if err != nil {
		return nil, err
	}

	session := models.Session{
		ID:          uuid.NewString(),
		ServerID:    serverID,
		SessionKey:  raw.SessionKey,
		ReferenceID: raw.ReferenceID,
		UserID:      user.ID,
		MediaTitle:  raw.MediaTitle,
		MediaType:   raw.MediaType,
		Platform:    raw.Platform,
		IPAddress:   geo.NormalizeIPAddress(raw.ClientIP),
		Transcode:   raw.Transcode,
		Paused:      raw.Paused,
		ProgressMs:  raw.ProgressMs,
		StartedAt:   observedAt,
		LastSeenAt:  observedAt,
		State:       models.SessionOpen,
	}

	// Geolocation failure degrades to an unknown location; the session still
	// opens and rules that need coordinates skip it.
	if raw.ClientIP != "" {
		if loc, err := r.resolver.Resolve(ctx, raw.ClientIP); err == nil && loc != nil {
			session.City = loc.City
			session.Country = loc.Country
			session.Latitude = loc.Latitude
			session.Longitude = loc.Longitude
		}
	}

	if err := r.sessions.Upsert(ctx, &session); err != nil {
		return nil, err
	}

	logging.Debug().
		Str("server_id", serverID).
		Str("session_id", session.ID).
		Str("user_id", user.ID).
		Str("media_title", session.MediaTitle).
		Msg("Session started")

	return &models.LifecycleEvent{
		Type:       models.EventStarted,
		ObservedAt: observedAt,
		Session:    session,
	}, nil
}

func (r *Reconciler) updateSession(ctx context.Context, t *trackedSession, raw *models.RawSession, observedAt time.Time) models.LifecycleEvent {
	t.missed = 0
	s := &t.session

	// Attribute the wall time since the last sighting to watching or paused
	// time based on the state reported now. Non-positive elapsed means a
	// reordered or duplicate snapshot; counters never move backwards.
	elapsed := observedAt.Sub(s.LastSeenAt)
	if elapsed > 0 {
		if raw.Paused {
			s.PausedMs += elapsed.Milliseconds()
		} else {
			s.DurationMs += elapsed.Milliseconds()
		}
		s.LastSeenAt = observedAt
	}

	s.Paused = raw.Paused
	s.Transcode = raw.Transcode
	s.ProgressMs = raw.ProgressMs

	if err := r.sessions.Upsert(ctx, s); err != nil {
		logging.Error().Err(err).Str("session_id", s.ID).Msg("Failed to persist session update")
	}

	return models.LifecycleEvent{
		Type:       models.EventUpdated,
		ObservedAt: observedAt,
		Session:    *s,
	}
}

func (r *Reconciler) closeSession(ctx context.Context, t *trackedSession, observedAt time.Time) models.LifecycleEvent {
	s := &t.session

	// When the gap since the last sighting exceeds the grace window (polls
	// were failing, not just the session missing), the session really ended
	// around its last sighting, not now.
	endedAt := observedAt
	grace := time.Duration(r.cfg.GracePolls) * r.cfg.PollInterval
	if observedAt.Sub(s.LastSeenAt) > grace {
		endedAt = s.LastSeenAt
	}

	s.State = models.SessionClosed
	s.EndedAt = &endedAt

	if err := r.sessions.Upsert(ctx, s); err != nil {
		logging.Error().Err(err).Str("session_id", s.ID).Msg("Failed to persist session close")
	}

	logging.Debug().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Int64("duration_ms", s.DurationMs).
		Int64("paused_ms", s.PausedMs).
		Msg("Session closed")

	return models.LifecycleEvent{
		Type:       models.EventStopped,
		ObservedAt: observedAt,
		Session:    *s,
	}
}

// OpenSessionsForUser returns copies of the user's open sessions across all
// servers. Backs the concurrent streams rule.
func (r *Reconciler) OpenSessionsForUser(_ context.Context, userID string) ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Session
	for _, tracked := range r.open {
		for _, t := range tracked {
			if t.session.UserID == userID {
				out = append(out, t.session)
			}
		}
	}
	return out, nil
}

// OpenSessions returns copies of a server's open sessions.
func (r *Reconciler) OpenSessions(serverID string) []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked := r.open[serverID]
	out := make([]models.Session, 0, len(tracked))
	for _, t := range tracked {
		out = append(out, t.session)
	}
	return out
}

// CloseAllForServer force-closes every open session for a server. Called when
// a server is deactivated.
func (r *Reconciler) CloseAllForServer(ctx context.Context, serverID string, at time.Time) []models.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked := r.open[serverID]
	var eventsOut []models.LifecycleEvent
	for key, t := range tracked {
		ev := r.closeSession(ctx, t, at)
		delete(tracked, key)
		eventsOut = append(eventsOut, ev)
	}
	metrics.OpenSessions.WithLabelValues(serverID).Set(0)
	return eventsOut
}
