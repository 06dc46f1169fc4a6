// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "STREAMGUARD_"

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxMemory: "512MB",
		},
		Poll: PollConfig{
			Interval:      15 * time.Second,
			Timeout:       10 * time.Second,
			MaxBackoff:    60 * time.Second,
			DownThreshold: 3,
			GracePolls:    2,
		},
		Detection: DetectionConfig{
			ConcurrentStreams: ConcurrentStreamsConfig{
				Enabled:    true,
				MaxStreams: 2,
				Cooldown:   10 * time.Minute,
			},
			ImpossibleTravel: ImpossibleTravelConfig{
				Enabled:     true,
				MaxSpeedKmH: 800,
				MinElapsed:  2 * time.Minute,
				Cooldown:    24 * time.Hour,
			},
			NewDevice: NewDeviceConfig{
				Enabled:  true,
				Cooldown: 24 * time.Hour,
			},
			ViolationInsertRetries: 3,
			ViolationRetryDelay:    100 * time.Millisecond,
		},
		Trust: TrustConfig{
			PenaltyLow:     2,
			PenaltyWarning: 5,
			PenaltyHigh:    15,
			Baseline:       100,
			RecoveryStep:   1,
			DecayInterval:  24 * time.Hour,
			AlertThreshold: 50,
		},
		Geo: GeoConfig{
			Enabled:       true,
			RatePerMinute: 45,
		},
		Events: EventsConfig{
			NATSEnabled: false,
			URL:         "nats://localhost:4222",
			TopicPrefix: "streamguard",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// STREAMGUARD_* environment variables, in ascending priority, then validates
// the result. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envTransform maps STREAMGUARD_POLL_DOWN_THRESHOLD to poll.down_threshold.
// Single underscores inside a section name stay as underscores; the section
// separator is a double underscore, so STREAMGUARD_DETECTION__MAX_STREAMS
// also works for keys whose section can't be inferred.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if strings.Contains(s, "__") {
		return strings.ReplaceAll(s, "__", ".")
	}
	// First underscore splits section from key.
	if i := strings.Index(s, "_"); i > 0 {
		return s[:i] + "." + s[i+1:]
	}
	return s
}
