// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package trust maintains per-user trust scores: violations subtract severity
// penalties, quiet time recovers the score back toward the baseline.
package trust

import (
	"context"
	"time"

	"github.com/tomtom215/streamguard/internal/events"
	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/metrics"
	"github.com/tomtom215/streamguard/internal/models"
	"github.com/tomtom215/streamguard/internal/store"
)

// Config holds the scoring parameters.
type Config struct {
	PenaltyLow     int
	PenaltyWarning int
	PenaltyHigh    int
	Baseline       int
	RecoveryStep   int
	DecayInterval  time.Duration
	AlertThreshold int
}

// Calculator is the only component that mutates trust scores.
type Calculator struct {
	users   store.ServerUsers
	emitter events.Emitter
	cfg     Config

	nowFn func() time.Time
}

// NewCalculator creates a calculator.
func NewCalculator(users store.ServerUsers, emitter events.Emitter, cfg Config) *Calculator {
	return &Calculator{
		users:   users,
		emitter: emitter,
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

func (c *Calculator) penalty(severity models.Severity) int {
	switch severity {
	case models.SeverityHigh:
		return c.cfg.PenaltyHigh
	case models.SeverityWarning:
		return c.cfg.PenaltyWarning
	default:
		return c.cfg.PenaltyLow
	}
}

// ApplyViolation subtracts the severity penalty from the user's score,
// clamped to [0, baseline], and records the violation time for decay.
func (c *Calculator) ApplyViolation(ctx context.Context, userID string, severity models.Severity) error {
	user, err := c.users.Get(ctx, userID)
	if err != nil {
		return err
	}

	newScore := clamp(user.TrustScore-c.penalty(severity), 0, c.cfg.Baseline)
	now := c.nowFn().UTC()

	if err := c.users.RecordViolationAt(ctx, userID, now); err != nil {
		return err
	}
	if newScore == user.TrustScore {
		return nil
	}
	if err := c.users.SetTrustScore(ctx, userID, newScore); err != nil {
		return err
	}

	metrics.TrustChanges.Inc()
	logging.Info().
		Str("user_id", userID).
		Int("old_score", user.TrustScore).
		Int("new_score", newScore).
		Str("severity", string(severity)).
		Msg("Trust score penalized")

	c.maybeEmitThresholdCrossing(ctx, userID, user.TrustScore, newScore, now)
	return nil
}

// Decay runs one recovery pass: every user below the baseline gains the
// recovery step, except users with a violation within the decay interval.
// Per-user failures are logged and skipped so one bad row never stalls the
// pass.
func (c *Calculator) Decay(ctx context.Context) error {
	ids, err := c.users.ListIDs(ctx)
	if err != nil {
		return err
	}

	now := c.nowFn().UTC()
	recovered := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		user, err := c.users.Get(ctx, id)
		if err != nil {
			logging.Error().Err(err).Str("user_id", id).Msg("Decay: failed to load user")
			continue
		}
		if user.TrustScore >= c.cfg.Baseline {
			continue
		}
		if user.LastViolationAt != nil && now.Sub(*user.LastViolationAt) < c.cfg.DecayInterval {
			continue
		}

		newScore := clamp(user.TrustScore+c.cfg.RecoveryStep, 0, c.cfg.Baseline)
		if err := c.users.SetTrustScore(ctx, id, newScore); err != nil {
			logging.Error().Err(err).Str("user_id", id).Msg("Decay: failed to update score")
			continue
		}
		metrics.TrustChanges.Inc()
		recovered++
		c.maybeEmitThresholdCrossing(ctx, id, user.TrustScore, newScore, now)
	}

	logging.Debug().Int("users", len(ids)).Int("recovered", recovered).Msg("Trust decay pass complete")
	return nil
}

func (c *Calculator) maybeEmitThresholdCrossing(ctx context.Context, userID string, oldScore, newScore int, at time.Time) {
	threshold := c.cfg.AlertThreshold
	crossedDown := oldScore >= threshold && newScore < threshold
	crossedUp := oldScore < threshold && newScore >= threshold
	if !crossedDown && !crossedUp {
		return
	}

	c.emitter.Emit(ctx, models.TopicTrustScoreChanged, &models.TrustScoreEvent{
		UserID:    userID,
		OldScore:  oldScore,
		NewScore:  newScore,
		Threshold: threshold,
		ChangedAt: at,
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
