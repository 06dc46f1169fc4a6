// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package models defines the core data records shared across the engine:
// servers, users, sessions, rules, violations and geolocations. Every payload
// that crosses a component boundary is one of these explicit tagged structs.
package models

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// BackendType identifies the media server software behind a Server.
type BackendType string

const (
	BackendPlex     BackendType = "plex"
	BackendJellyfin BackendType = "jellyfin"
)

// HealthState is the last-known reachability of a media server.
type HealthState string

const (
	HealthUp   HealthState = "up"
	HealthDown HealthState = "down"
)

// RuleType identifies the type of detection rule.
type RuleType string

const (
	// RuleTypeConcurrentStreams enforces per-user stream limits across servers.
	RuleTypeConcurrentStreams RuleType = "concurrent_streams"

	// RuleTypeImpossibleTravel flags implausible geographic transitions.
	RuleTypeImpossibleTravel RuleType = "impossible_travel"

	// RuleTypeNewDevice flags the first appearance of a client platform for a user.
	RuleTypeNewDevice RuleType = "new_device"
)

// Severity indicates the severity level of a violation.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// SessionState tracks whether a session is still being reported by its backend.
type SessionState string

const (
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
)

// Server is a monitored media server instance. Servers are created when an
// admin connects one and are never deleted, only deactivated.
type Server struct {
	ID              string      `json:"id"`
	Backend         BackendType `json:"backend"`
	URL             string      `json:"url"`
	TokenRef        string      `json:"-"` // credential handle, resolved by the client factory
	Active          bool        `json:"active"`
	Health          HealthState `json:"health"`
	HealthChangedAt time.Time   `json:"health_changed_at"`
}

// ServerUser is an account observed on a media server. ServerID is nil for
// owner accounts that span servers. TrustScore is mutated only by the trust
// calculator.
type ServerUser struct {
	ID              string     `json:"id"`
	ServerID        *string    `json:"server_id,omitempty"`
	ExternalID      string     `json:"external_id"`
	Username        string     `json:"username"`
	TrustScore      int        `json:"trust_score"`
	LastViolationAt *time.Time `json:"last_violation_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RawSession is a single active session as reported by a media server backend
// during one poll. It is untrusted input: Validate before use.
type RawSession struct {
	SessionKey     string `json:"session_key"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ExternalUserID string `json:"external_user_id"`
	Username       string `json:"username,omitempty"`
	MediaTitle     string `json:"media_title"`
	MediaType      string `json:"media_type,omitempty"`
	Platform       string `json:"platform,omitempty"`
	Transcode      bool   `json:"transcode"`
	Paused         bool   `json:"paused"`
	ProgressMs     int64  `json:"progress_ms"`
	ClientIP       string `json:"client_ip,omitempty"`
}

// ErrMalformedSession is returned by RawSession.Validate when a required
// field is missing. The reconciler skips such sessions and processes the rest
// of the batch.
var ErrMalformedSession = errors.New("malformed raw session")

// Validate checks that the fields the reconciler depends on are present.
func (r *RawSession) Validate() error {
	if r.SessionKey == "" || r.ExternalUserID == "" || r.MediaTitle == "" {
		return ErrMalformedSession
	}
	return nil
}

// Session is one continuous (possibly paused) playback instance. While open
// it is owned by the reconciler; once closed it is an immutable historical
// record. At most one open session exists per (ServerID, SessionKey).
type Session struct {
	ID          string       `json:"id"`
	ServerID    string       `json:"server_id"`
	SessionKey  string       `json:"session_key"`
	ReferenceID string       `json:"reference_id,omitempty"`
	UserID      string       `json:"user_id"`
	MediaTitle  string       `json:"media_title"`
	MediaType   string       `json:"media_type,omitempty"`
	Platform    string       `json:"platform,omitempty"`
	IPAddress   string       `json:"ip_address,omitempty"`
	City        string       `json:"city,omitempty"`
	Country     string       `json:"country,omitempty"`
	Latitude    float64      `json:"latitude,omitempty"`
	Longitude   float64      `json:"longitude,omitempty"`
	Transcode   bool         `json:"transcode"`
	Paused      bool         `json:"paused"`
	ProgressMs  int64        `json:"progress_ms"`
	DurationMs  int64        `json:"duration_ms"`
	PausedMs    int64        `json:"paused_ms"`
	StartedAt   time.Time    `json:"started_at"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	State       SessionState `json:"state"`
}

// PlayKey returns the grouping key for play-count purposes. Sessions sharing
// a reference id (seek and transcode restarts of one logical play) fold into
// one play; sessions without a reference id stand alone.
func (s *Session) PlayKey() string {
	if s.ReferenceID != "" {
		return s.ServerID + ":" + s.ReferenceID
	}
	return s.ID
}

// Rule is an admin-managed detection rule configuration, consumed read-only
// by the rule engine.
type Rule struct {
	ID        int64           `json:"id"`
	RuleType  RuleType        `json:"rule_type"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Violation is a persisted, deduplicated record that a rule's condition was
// met. Immutable after creation except for acknowledgment.
type Violation struct {
	ID             string          `json:"id"`
	RuleType       RuleType        `json:"rule_type"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username,omitempty"`
	ServerID       string          `json:"server_id,omitempty"`
	Severity       Severity        `json:"severity"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// Geolocation contains geographic information resolved for an IP address.
type Geolocation struct {
	IPAddress  string    `json:"ip_address"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	City       string    `json:"city,omitempty"`
	Region     string    `json:"region,omitempty"`
	Country    string    `json:"country,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}
