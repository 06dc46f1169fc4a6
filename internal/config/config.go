// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package config defines the Streamguard configuration and loads it via
// Koanf v2 with layered sources: built-in defaults, an optional YAML file,
// then environment variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the detection engine.
type Config struct {
	Logging   LoggingConfig       `koanf:"logging"`
	Database  DatabaseConfig      `koanf:"database"`
	Cooldown  CooldownConfig      `koanf:"cooldown"`
	Poll      PollConfig          `koanf:"poll"`
	Detection DetectionConfig     `koanf:"detection"`
	Trust     TrustConfig         `koanf:"trust"`
	Geo       GeoConfig           `koanf:"geo"`
	Events    EventsConfig        `koanf:"events"`
	Servers   []MediaServerConfig `koanf:"servers" validate:"dive"`
}

// LoggingConfig controls the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig controls the DuckDB store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty means in-memory (tests, demos).
	Path string `koanf:"path"`

	// MaxMemory is passed to DuckDB's memory_limit pragma.
	MaxMemory string `koanf:"max_memory"`
}

// CooldownConfig controls the BadgerDB cooldown store used for violation
// deduplication.
type CooldownConfig struct {
	// Path is the Badger directory. Empty means in-memory.
	Path string `koanf:"path"`
}

// PollConfig controls the per-server polling loops.
type PollConfig struct {
	// Interval is the normal polling cadence per server.
	Interval time.Duration `koanf:"interval" validate:"min=1s"`

	// Timeout bounds a single call to the media server backend.
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`

	// MaxBackoff caps the exponential backoff applied after failed polls.
	MaxBackoff time.Duration `koanf:"max_backoff" validate:"min=1s"`

	// DownThreshold is the number of consecutive failed polls before a
	// server's health transitions to down.
	DownThreshold int `koanf:"down_threshold" validate:"min=1"`

	// GracePolls is how many consecutive polls a known open session may be
	// missing from the snapshot before it is treated as stopped.
	GracePolls int `koanf:"grace_polls" validate:"min=1"`
}

// DetectionConfig carries per-rule thresholds and cooldowns. The spec-level
// defaults are illustrative; every value here is operator-tunable.
type DetectionConfig struct {
	ConcurrentStreams ConcurrentStreamsConfig `koanf:"concurrent_streams"`
	ImpossibleTravel  ImpossibleTravelConfig  `koanf:"impossible_travel"`
	NewDevice         NewDeviceConfig         `koanf:"new_device"`

	// ViolationInsertRetries bounds retries of a failed violation insert.
	ViolationInsertRetries int `koanf:"violation_insert_retries" validate:"min=0"`

	// ViolationRetryDelay is the delay between violation insert retries.
	ViolationRetryDelay time.Duration `koanf:"violation_retry_delay"`
}

// ConcurrentStreamsConfig configures the concurrent streams rule.
type ConcurrentStreamsConfig struct {
	Enabled bool `koanf:"enabled"`

	// MaxStreams is the maximum distinct simultaneous plays per user across
	// all servers. One over the limit is a warning, two or more is high.
	MaxStreams int `koanf:"max_streams" validate:"min=1"`

	// Cooldown suppresses repeat firing while the same session set persists.
	Cooldown time.Duration `koanf:"cooldown" validate:"min=1s"`
}

// ImpossibleTravelConfig configures the impossible travel rule.
type ImpossibleTravelConfig struct {
	Enabled bool `koanf:"enabled"`

	// MaxSpeedKmH is the highest plausible travel speed. 800 leaves margin
	// for geolocation error below commercial flight speed.
	MaxSpeedKmH float64 `koanf:"max_speed_kmh" validate:"gt=0"`

	// MinElapsed is the resolution floor: gaps shorter than this are
	// dominated by geolocation noise and never flagged.
	MinElapsed time.Duration `koanf:"min_elapsed" validate:"min=1s"`

	// Cooldown suppresses repeat firing for the same session pair.
	Cooldown time.Duration `koanf:"cooldown" validate:"min=1s"`
}

// NewDeviceConfig configures the new device rule.
type NewDeviceConfig struct {
	Enabled bool `koanf:"enabled"`

	// Cooldown suppresses repeat firing for the same (user, platform) pair.
	Cooldown time.Duration `koanf:"cooldown" validate:"min=1s"`
}

// TrustConfig controls the trust score calculator.
type TrustConfig struct {
	PenaltyLow     int `koanf:"penalty_low" validate:"min=0"`
	PenaltyWarning int `koanf:"penalty_warning" validate:"min=0"`
	PenaltyHigh    int `koanf:"penalty_high" validate:"min=0"`

	// Baseline is the score users decay back toward. Scores are clamped to
	// [0, Baseline].
	Baseline int `koanf:"baseline" validate:"min=1,max=100"`

	// RecoveryStep is the per-decay-tick recovery amount.
	RecoveryStep int `koanf:"recovery_step" validate:"min=0"`

	// DecayInterval is the decay cadence; users with a violation within one
	// interval are skipped.
	DecayInterval time.Duration `koanf:"decay_interval" validate:"min=1m"`

	// AlertThreshold: crossing this score in either direction emits a
	// trust_score.changed event.
	AlertThreshold int `koanf:"alert_threshold" validate:"min=0,max=100"`
}

// GeoConfig controls IP geolocation.
type GeoConfig struct {
	// Enabled toggles geolocation entirely. When disabled, sessions carry
	// unknown locations and impossible travel never fires.
	Enabled bool `koanf:"enabled"`

	// RatePerMinute bounds lookups against ip-api.com (free tier: 45/min).
	RatePerMinute int `koanf:"rate_per_minute" validate:"min=1"`
}

// EventsConfig controls emission to the notification collaborator.
type EventsConfig struct {
	// NATSEnabled selects the NATS JetStream publisher; when false an
	// in-process Watermill GoChannel publisher is used.
	NATSEnabled bool `koanf:"nats_enabled"`

	URL string `koanf:"url" validate:"required_if=NATSEnabled true"`

	// TopicPrefix prefixes every emitted event type, e.g.
	// "streamguard.violation.created".
	TopicPrefix string `koanf:"topic_prefix" validate:"required"`
}

// MediaServerConfig seeds one monitored server at startup. Further servers
// can be connected at runtime through the admin surface.
type MediaServerConfig struct {
	ID      string `koanf:"id"`
	Backend string `koanf:"backend" validate:"oneof=plex jellyfin"`
	URL     string `koanf:"url" validate:"required,url"`
	Token   string `koanf:"token" validate:"required"`
}

// Validate checks the configuration. Any error here is fatal at startup.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Poll.MaxBackoff < c.Poll.Interval {
		return fmt.Errorf("poll.max_backoff (%s) must not be below poll.interval (%s)",
			c.Poll.MaxBackoff, c.Poll.Interval)
	}
	return nil
}
