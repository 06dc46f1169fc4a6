// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/streamguard/internal/models"
)

// ConcurrentStreamsConfig holds the runtime configuration for the concurrent
// streams detector.
type ConcurrentStreamsConfig struct {
	MaxStreams int           `json:"max_streams"`
	Cooldown   time.Duration `json:"cooldown"`
}

// ConcurrentStreamsDetector flags users playing more simultaneous streams
// across all monitored servers than their limit allows. Sessions sharing a
// reference id count as one play, so seeks and transcode restarts do not
// inflate the count.
type ConcurrentStreamsDetector struct {
	mu      sync.RWMutex
	config  ConcurrentStreamsConfig
	enabled bool
}

// NewConcurrentStreamsDetector creates the detector with the given defaults.
func NewConcurrentStreamsDetector(cfg ConcurrentStreamsConfig) *ConcurrentStreamsDetector {
	return &ConcurrentStreamsDetector{config: cfg, enabled: true}
}

func (d *ConcurrentStreamsDetector) Type() models.RuleType {
	return models.RuleTypeConcurrentStreams
}

func (d *ConcurrentStreamsDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

func (d *ConcurrentStreamsDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// Configure merges a rule config. Zero or missing fields keep current values.
func (d *ConcurrentStreamsDetector) Configure(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var cfg ConcurrentStreamsConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("parsing concurrent_streams config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.MaxStreams > 0 {
		d.config.MaxStreams = cfg.MaxStreams
	}
	if cfg.Cooldown > 0 {
		d.config.Cooldown = cfg.Cooldown
	}
	return nil
}

// Evaluate counts the user's distinct plays on session start and on every
// update, so a persisting overage keeps producing a candidate each cycle.
// The engine's per-batch dedup and the cooldown collapse those to one
// violation per cooldown window.
func (d *ConcurrentStreamsDetector) Evaluate(ctx context.Context, event *models.LifecycleEvent, history History) ([]Candidate, error) {
	if event.Type != models.EventStarted && event.Type != models.EventUpdated {
		return nil, nil
	}

	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	open, err := history.OpenSessionsForUser(ctx, event.Session.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing open sessions: %w", err)
	}

	// Distinct plays by reference id grouping; collect contributing session
	// ids per play for the fingerprint.
	plays := make(map[string][]string)
	for i := range open {
		s := &open[i]
		plays[s.PlayKey()] = append(plays[s.PlayKey()], s.ID)
	}

	count := len(plays)
	if count <= cfg.MaxStreams {
		return nil, nil
	}

	over := count - cfg.MaxStreams
	severity := models.SeverityHigh
	if over == 1 {
		severity = models.SeverityWarning
	}

	// Fingerprint is the sorted set of contributing session ids, so the
	// violation refires only when the composition of streams changes.
	var ids []string
	for _, sessionIDs := range plays {
		ids = append(ids, sessionIDs...)
	}
	sort.Strings(ids)

	detail, _ := json.Marshal(map[string]any{
		"stream_count": count,
		"max_streams":  cfg.MaxStreams,
		"session_ids":  ids,
	})

	return []Candidate{{
		RuleType:    models.RuleTypeConcurrentStreams,
		UserID:      event.Session.UserID,
		ServerID:    event.Session.ServerID,
		Severity:    severity,
		Fingerprint: strings.Join(ids, ","),
		Cooldown:    cfg.Cooldown,
		Title:       "Concurrent stream limit exceeded",
		Message: fmt.Sprintf("%d simultaneous streams (limit %d)",
			count, cfg.MaxStreams),
		Detail: detail,
	}}, nil
}
