// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/streamguard/internal/models"
)

// ImpossibleTravelConfig holds the runtime configuration for the impossible
// travel detector.
type ImpossibleTravelConfig struct {
	MaxSpeedKmH float64       `json:"max_speed_kmh"`
	MinElapsed  time.Duration `json:"min_elapsed"`
	Cooldown    time.Duration `json:"cooldown"`
}

// ImpossibleTravelDetector flags session starts whose implied travel speed
// from the user's previous session exceeds the plausible maximum. Unknown
// locations never contribute: no geographic claim is made without data.
type ImpossibleTravelDetector struct {
	mu      sync.RWMutex
	config  ImpossibleTravelConfig
	enabled bool
}

// NewImpossibleTravelDetector creates the detector with the given defaults.
func NewImpossibleTravelDetector(cfg ImpossibleTravelConfig) *ImpossibleTravelDetector {
	return &ImpossibleTravelDetector{config: cfg, enabled: true}
}

func (d *ImpossibleTravelDetector) Type() models.RuleType {
	return models.RuleTypeImpossibleTravel
}

func (d *ImpossibleTravelDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

func (d *ImpossibleTravelDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func (d *ImpossibleTravelDetector) Configure(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var cfg ImpossibleTravelConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("parsing impossible_travel config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.MaxSpeedKmH > 0 {
		d.config.MaxSpeedKmH = cfg.MaxSpeedKmH
	}
	if cfg.MinElapsed > 0 {
		d.config.MinElapsed = cfg.MinElapsed
	}
	if cfg.Cooldown > 0 {
		d.config.Cooldown = cfg.Cooldown
	}
	return nil
}

// Evaluate compares a newly started session against the user's previous
// session, open or closed, on any server.
func (d *ImpossibleTravelDetector) Evaluate(ctx context.Context, event *models.LifecycleEvent, history History) ([]Candidate, error) {
	if event.Type != models.EventStarted {
		return nil, nil
	}

	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	current := &event.Session
	if isUnknownLocation(current.Latitude, current.Longitude) {
		return nil, nil
	}

	prev, err := history.LastSessionForUser(ctx, current.UserID, current.StartedAt, current.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up previous session: %w", err)
	}
	if prev == nil || isUnknownLocation(prev.Latitude, prev.Longitude) {
		return nil, nil
	}

	elapsed := current.StartedAt.Sub(prev.StartedAt)
	if elapsed < cfg.MinElapsed {
		// Below the resolution floor the speed estimate is noise.
		return nil, nil
	}

	distanceKm := haversineDistance(prev.Latitude, prev.Longitude, current.Latitude, current.Longitude)
	speedKmH := distanceKm / elapsed.Hours()
	if speedKmH <= cfg.MaxSpeedKmH {
		return nil, nil
	}

	detail, _ := json.Marshal(map[string]any{
		"previous_session_id": prev.ID,
		"new_session_id":      current.ID,
		"distance_km":         distanceKm,
		"elapsed_minutes":     elapsed.Minutes(),
		"speed_kmh":           speedKmH,
		"previous_location":   fmt.Sprintf("%s, %s", prev.City, prev.Country),
		"new_location":        fmt.Sprintf("%s, %s", current.City, current.Country),
	})

	return []Candidate{{
		RuleType:    models.RuleTypeImpossibleTravel,
		UserID:      current.UserID,
		ServerID:    current.ServerID,
		Severity:    models.SeverityHigh,
		Fingerprint: prev.ID + ":" + current.ID,
		Cooldown:    cfg.Cooldown,
		Title:       "Impossible travel detected",
		Message: fmt.Sprintf("%.0f km in %.0f minutes (%.0f km/h)",
			distanceKm, elapsed.Minutes(), speedKmH),
		Detail: detail,
	}}, nil
}
