// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package store defines the persistence interfaces for servers, users,
// sessions, violations, devices and rules, with a DuckDB implementation for
// production and an in-memory implementation for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/streamguard/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Servers persists monitored media server records.
type Servers interface {
	Upsert(ctx context.Context, server *models.Server) error
	Get(ctx context.Context, id string) (*models.Server, error)
	List(ctx context.Context) ([]models.Server, error)
	SetHealth(ctx context.Context, id string, health models.HealthState, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
}

// ServerUsers persists accounts observed on media servers.
type ServerUsers interface {
	// UpsertByExternalID finds or creates the user for an external account
	// id, returning the stored record. New users start at the trust baseline.
	UpsertByExternalID(ctx context.Context, serverID *string, externalID, username string, baseline int) (*models.ServerUser, error)
	Get(ctx context.Context, id string) (*models.ServerUser, error)
	SetTrustScore(ctx context.Context, id string, score int) error
	RecordViolationAt(ctx context.Context, id string, at time.Time) error
	ListIDs(ctx context.Context) ([]string, error)
}

// Sessions persists playback session records.
type Sessions interface {
	Upsert(ctx context.Context, session *models.Session) error

	// Close marks the session ended. Closed sessions are immutable.
	Close(ctx context.Context, id string, endedAt time.Time) error

	// LastForUser returns the most recently started session for the user
	// that began before the given time, excluding excludeID. Returns
	// ErrNotFound when the user has no prior session.
	LastForUser(ctx context.Context, userID string, before time.Time, excludeID string) (*models.Session, error)

	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
}

// ViolationFilter narrows violation listings.
type ViolationFilter struct {
	UserID       string
	RuleType     models.RuleType
	Severity     models.Severity
	Acknowledged *bool
	Limit        int
}

// Violations persists detection rule violations.
type Violations interface {
	Insert(ctx context.Context, v *models.Violation) error
	Acknowledge(ctx context.Context, id, by string, at time.Time) error
	List(ctx context.Context, filter ViolationFilter) ([]models.Violation, error)
}

// Devices tracks which (user, platform) pairs have been observed, backing the
// new device rule.
type Devices interface {
	Seen(ctx context.Context, userID, platform string) (bool, error)
	Record(ctx context.Context, userID, platform string, at time.Time) error
}

// Rules persists admin-managed detection rule configurations.
type Rules interface {
	List(ctx context.Context) ([]models.Rule, error)
	Save(ctx context.Context, rule *models.Rule) error
}

// Store aggregates all repositories behind one handle.
type Store interface {
	Servers() Servers
	ServerUsers() ServerUsers
	Sessions() Sessions
	Violations() Violations
	Devices() Devices
	Rules() Rules
	Close() error
}
