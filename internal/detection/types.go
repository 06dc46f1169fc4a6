// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package detection implements the rule engine: detectors evaluate session
// lifecycle events and produce violation candidates, the engine deduplicates
// them through cooldowns, persists violations and applies trust penalties.
package detection

import (
	"context"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/streamguard/internal/models"
)

// Candidate is a detector's claim that a rule condition was met. Candidates
// only become violations after passing the cooldown check.
type Candidate struct {
	RuleType    models.RuleType
	UserID      string
	Username    string
	ServerID    string
	Severity    models.Severity
	Fingerprint string
	Cooldown    time.Duration
	Title       string
	Message     string
	Detail      json.RawMessage
}

// History gives detectors read access to session and device state. The
// reconciler serves open sessions from memory; closed history comes from the
// store.
type History interface {
	// OpenSessionsForUser returns the user's open sessions across all servers.
	OpenSessionsForUser(ctx context.Context, userID string) ([]models.Session, error)

	// LastSessionForUser returns the user's most recent session started
	// before the given time, excluding excludeID. Returns nil with no error
	// when the user has no prior session.
	LastSessionForUser(ctx context.Context, userID string, before time.Time, excludeID string) (*models.Session, error)

	// DeviceSeen reports whether the (user, platform) pair has been observed.
	DeviceSeen(ctx context.Context, userID, platform string) (bool, error)
}

// Detector is a single detection rule.
type Detector interface {
	// Type returns the rule type this detector implements.
	Type() models.RuleType

	// Evaluate inspects one lifecycle event and returns zero or more
	// candidates. Detectors must not mutate the event.
	Evaluate(ctx context.Context, event *models.LifecycleEvent, history History) ([]Candidate, error)

	// Configure applies a rule configuration. A nil config keeps defaults.
	Configure(config json.RawMessage) error

	// Enabled reports whether the detector is active.
	Enabled() bool

	// SetEnabled toggles the detector.
	SetEnabled(enabled bool)
}

const (
	earthRadiusKm   = 6371.0
	locationEpsilon = 1e-7
)

// haversineDistance returns the great-circle distance in kilometers between
// two coordinates.
func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// isUnknownLocation reports whether the coordinates are the unresolved
// (0, 0) placeholder.
func isUnknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < locationEpsilon && math.Abs(lon) < locationEpsilon
}
