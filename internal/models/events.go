// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package models

import "time"

// EventType identifies a session lifecycle transition produced by the
// reconciler.
type EventType string

const (
	EventStarted EventType = "started"
	EventUpdated EventType = "updated"
	EventStopped EventType = "stopped"
)

// LifecycleEvent is emitted by the reconciler for every observed session
// transition. Session is a snapshot taken at ObservedAt; detectors must not
// mutate it.
type LifecycleEvent struct {
	Type       EventType `json:"type"`
	ObservedAt time.Time `json:"observed_at"`
	Session    Session   `json:"session"`
}

// Event type names used on the notification channel, beyond session
// lifecycle events.
const (
	TopicSessionStarted    = "session.started"
	TopicSessionUpdated    = "session.updated"
	TopicSessionStopped    = "session.stopped"
	TopicViolationCreated  = "violation.created"
	TopicServerDown        = "server.down"
	TopicServerUp          = "server.up"
	TopicTrustScoreChanged = "trust_score.changed"
)

// Topic maps a lifecycle event to its notification channel name.
func (e *LifecycleEvent) Topic() string {
	switch e.Type {
	case EventStarted:
		return TopicSessionStarted
	case EventStopped:
		return TopicSessionStopped
	default:
		return TopicSessionUpdated
	}
}

// ServerHealthEvent is the payload for server.up / server.down events.
type ServerHealthEvent struct {
	ServerID     string      `json:"server_id"`
	Health       HealthState `json:"health"`
	Failures     int         `json:"failures,omitempty"`
	TransitionAt time.Time   `json:"transition_at"`
}

// TrustScoreEvent is the payload for trust_score.changed events, emitted when
// a user's score crosses the configured alerting threshold.
type TrustScoreEvent struct {
	UserID    string    `json:"user_id"`
	OldScore  int       `json:"old_score"`
	NewScore  int       `json:"new_score"`
	Threshold int       `json:"threshold"`
	ChangedAt time.Time `json:"changed_at"`
}
