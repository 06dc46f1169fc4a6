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

// NewDeviceConfig holds the runtime configuration for the new device detector.
type NewDeviceConfig struct {
	Cooldown time.Duration `json:"cooldown"`
}

// NewDeviceDetector flags the first time a user streams from a client
// platform never observed for them before. Low severity: new devices are
// usually legitimate, but a burst of them is a sharing signal.
type NewDeviceDetector struct {
	mu      sync.RWMutex
	config  NewDeviceConfig
	enabled bool
}

// NewNewDeviceDetector creates the detector with the given defaults.
func NewNewDeviceDetector(cfg NewDeviceConfig) *NewDeviceDetector {
	return &NewDeviceDetector{config: cfg, enabled: true}
}

func (d *NewDeviceDetector) Type() models.RuleType {
	return models.RuleTypeNewDevice
}

func (d *NewDeviceDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

func (d *NewDeviceDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func (d *NewDeviceDetector) Configure(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var cfg NewDeviceConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("parsing new_device config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Cooldown > 0 {
		d.config.Cooldown = cfg.Cooldown
	}
	return nil
}

// Evaluate checks the (user, platform) pair on session start. Sessions
// without a platform are skipped; there is nothing to fingerprint.
func (d *NewDeviceDetector) Evaluate(ctx context.Context, event *models.LifecycleEvent, history History) ([]Candidate, error) {
	if event.Type != models.EventStarted || event.Session.Platform == "" {
		return nil, nil
	}

	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	seen, err := history.DeviceSeen(ctx, event.Session.UserID, event.Session.Platform)
	if err != nil {
		return nil, fmt.Errorf("checking device history: %w", err)
	}
	if seen {
		return nil, nil
	}

	detail, _ := json.Marshal(map[string]any{
		"platform":   event.Session.Platform,
		"session_id": event.Session.ID,
		"ip_address": event.Session.IPAddress,
	})

	return []Candidate{{
		RuleType:    models.RuleTypeNewDevice,
		UserID:      event.Session.UserID,
		ServerID:    event.Session.ServerID,
		Severity:    models.SeverityLow,
		Fingerprint: event.Session.Platform,
		Cooldown:    cfg.Cooldown,
		Title:       "New device",
		Message:     fmt.Sprintf("First stream from platform %q", event.Session.Platform),
		Detail:      detail,
	}}, nil
}
