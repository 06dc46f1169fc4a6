// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/streamguard/internal/events"
	"github.com/tomtom215/streamguard/internal/faults"
	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/metrics"
	"github.com/tomtom215/streamguard/internal/models"
	"github.com/tomtom215/streamguard/internal/store"
)

// TrustApplier applies a trust penalty for a persisted violation.
type TrustApplier interface {
	ApplyViolation(ctx context.Context, userID string, severity models.Severity) error
}

// EngineConfig bounds the engine's persistence retries.
type EngineConfig struct {
	ViolationInsertRetries int
	ViolationRetryDelay    time.Duration
}

// Engine runs lifecycle events through every enabled detector, deduplicates
// the resulting candidates through the cooldown store, persists violations
// and applies trust penalties. One detector failing never stops the others.
type Engine struct {
	mu        sync.RWMutex
	detectors map[models.RuleType]Detector

	history    History
	cooldowns  *CooldownStore
	violations store.Violations
	devices    store.Devices
	trust      TrustApplier
	emitter    events.Emitter
	cfg        EngineConfig

	userLocks sync.Map // userID -> *sync.Mutex

	nowFn func() time.Time
}

// NewEngine creates an engine with no detectors registered.
func NewEngine(history History, cooldowns *CooldownStore, violations store.Violations,
	devices store.Devices, trust TrustApplier, emitter events.Emitter, cfg EngineConfig) *Engine {
	return &Engine{
		detectors:  make(map[models.RuleType]Detector),
		history:    history,
		cooldowns:  cooldowns,
		violations: violations,
		devices:    devices,
		trust:      trust,
		emitter:    emitter,
		cfg:        cfg,
		nowFn:      time.Now,
	}
}

// Register adds a detector. Later registrations for the same type replace
// earlier ones.
func (e *Engine) Register(d Detector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectors[d.Type()] = d
}

// ApplyRules pushes stored rule configurations onto the registered detectors.
// Unknown rule types are logged and skipped.
func (e *Engine) ApplyRules(ctx context.Context, rules store.Rules) error {
	stored, err := rules.List(ctx)
	if err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range stored {
		rule := &stored[i]
		d, ok := e.detectors[rule.RuleType]
		if !ok {
			logging.Warn().Str("rule_type", string(rule.RuleType)).Msg("No detector for stored rule")
			continue
		}
		if err := d.Configure(rule.Config); err != nil {
			logging.Error().Err(err).Str("rule_type", string(rule.RuleType)).Msg("Invalid rule config, keeping previous")
			continue
		}
		d.SetEnabled(rule.Enabled)
	}
	return nil
}

// ProcessBatch evaluates one reconciliation cycle's lifecycle events. Events
// are processed in order; per-user locking serializes evaluation for a user
// across concurrent batches from different servers.
func (e *Engine) ProcessBatch(ctx context.Context, batch []models.LifecycleEvent) {
	// Fingerprints that already produced a violation in this batch. At most
	// one violation per (rule, user, fingerprint) per cycle regardless of how
	// many events implicate the same condition.
	fired := make(map[string]struct{})

	for i := range batch {
		event := &batch[i]
		e.processEvent(ctx, event, fired)
	}
}

func (e *Engine) processEvent(ctx context.Context, event *models.LifecycleEvent, fired map[string]struct{}) {
	unlock := e.lockUser(event.Session.UserID)
	defer unlock()

	e.mu.RLock()
	detectors := make([]Detector, 0, len(e.detectors))
	for _, d := range e.detectors {
		detectors = append(detectors, d)
	}
	e.mu.RUnlock()

	for _, d := range detectors {
		if !d.Enabled() {
			continue
		}

		candidates, err := d.Evaluate(ctx, event, e.history)
		if err != nil {
			// Rule errors are isolated: log and continue with other rules.
			logging.Error().Err(err).
				Str("rule", string(d.Type())).
				Str("session_id", event.Session.ID).
				Str("error_class", faults.ClassOf(err).String()).
				Msg("Detector evaluation failed")
			continue
		}

		for i := range candidates {
			e.handleCandidate(ctx, &candidates[i], fired)
		}
	}

	// Record the platform only after all detectors ran, so new_device sees
	// the pre-event state.
	if event.Type == models.EventStarted && event.Session.Platform != "" {
		if err := e.devices.Record(ctx, event.Session.UserID, event.Session.Platform, event.ObservedAt); err != nil {
			logging.Error().Err(err).Str("user_id", event.Session.UserID).Msg("Failed to record device")
		}
	}
}

func (e *Engine) handleCandidate(ctx context.Context, c *Candidate, fired map[string]struct{}) {
	metrics.CandidatesTotal.WithLabelValues(string(c.RuleType)).Inc()

	key := CooldownKey(c.RuleType, c.UserID, c.Fingerprint)
	if _, done := fired[string(key)]; done {
		return
	}

	won, err := e.cooldowns.CheckAndSet(key, c.Cooldown)
	if err != nil {
		logging.Error().Err(err).Str("rule", string(c.RuleType)).Msg("Cooldown check failed")
		return
	}
	if !won {
		metrics.ViolationsSuppressed.WithLabelValues(string(c.RuleType)).Inc()
		logging.Debug().
			Str("rule", string(c.RuleType)).
			Str("user_id", c.UserID).
			Msg("Violation suppressed by cooldown")
		return
	}
	fired[string(key)] = struct{}{}

	violation := &models.Violation{
		RuleType:  c.RuleType,
		UserID:    c.UserID,
		Username:  c.Username,
		ServerID:  c.ServerID,
		Severity:  c.Severity,
		Title:     c.Title,
		Message:   c.Message,
		Detail:    c.Detail,
		CreatedAt: e.nowFn().UTC(),
	}

	if err := e.insertWithRetry(ctx, violation); err != nil {
		// Cooldown key is already set; clear it so the violation is not
		// silently lost for the whole cooldown window.
		if clearErr := e.cooldowns.Clear(key); clearErr != nil {
			logging.Error().Err(clearErr).Msg("Failed to clear cooldown after insert failure")
		}
		logging.Error().Err(err).
			Str("rule", string(c.RuleType)).
			Str("user_id", c.UserID).
			Msg("Failed to persist violation")
		return
	}

	metrics.ViolationsTotal.WithLabelValues(string(c.RuleType), string(c.Severity)).Inc()
	logging.Info().
		Str("rule", string(c.RuleType)).
		Str("user_id", c.UserID).
		Str("severity", string(c.Severity)).
		Str("violation_id", violation.ID).
		Msg("Violation created")

	if err := e.trust.ApplyViolation(ctx, c.UserID, c.Severity); err != nil {
		logging.Error().Err(err).Str("user_id", c.UserID).Msg("Failed to apply trust penalty")
	}

	e.emitter.Emit(ctx, models.TopicViolationCreated, violation)
}

func (e *Engine) insertWithRetry(ctx context.Context, v *models.Violation) error {
	var err error
	for attempt := 0; attempt <= e.cfg.ViolationInsertRetries; attempt++ {
		if err = e.violations.Insert(ctx, v); err == nil {
			return nil
		}
		// Unclassified driver errors are retried; only an explicitly
		// permanent failure aborts immediately.
		if !faults.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.ViolationRetryDelay):
		}
	}
	return err
}

func (e *Engine) lockUser(userID string) func() {
	v, _ := e.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
