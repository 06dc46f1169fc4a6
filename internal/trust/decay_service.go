// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package trust

import (
	"context"
	"time"

	"github.com/tomtom215/streamguard/internal/logging"
)

// DecayService runs periodic trust recovery passes under the supervisor tree.
type DecayService struct {
	calculator *Calculator
	interval   time.Duration

	// afterFn is swapped in tests for deterministic ticks.
	afterFn func(time.Duration) <-chan time.Time
}

// NewDecayService creates the service. It implements suture.Service.
func NewDecayService(calculator *Calculator, interval time.Duration) *DecayService {
	return &DecayService{
		calculator: calculator,
		interval:   interval,
		afterFn:    time.After,
	}
}

// Serve runs decay passes until the context is canceled.
func (s *DecayService) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", s.interval).Msg("Trust decay service started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.afterFn(s.interval):
		}

		if err := s.calculator.Decay(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Error().Err(err).Msg("Trust decay pass failed")
		}
	}
}

func (s *DecayService) String() string {
	return "trust-decay"
}
