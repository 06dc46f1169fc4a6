// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package metrics defines the Prometheus instrumentation for the engine.
// All collectors are registered with the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts poll attempts per server, labeled by result
	// (success, failure).
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_polls_total",
			Help: "Total poll attempts against media servers",
		},
		[]string{"server", "result"},
	)

	// PollDuration tracks how long a single poll round-trip takes.
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamguard_poll_duration_seconds",
			Help:    "Duration of media server poll requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OpenSessions tracks the number of open sessions per server.
	OpenSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamguard_open_sessions",
			Help: "Currently open sessions per server",
		},
		[]string{"server"},
	)

	// LifecycleEvents counts session lifecycle events by type.
	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_lifecycle_events_total",
			Help: "Session lifecycle events produced by the reconciler",
		},
		[]string{"type"},
	)

	// CandidatesTotal counts violation candidates produced by each rule,
	// before cooldown filtering.
	CandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_candidates_total",
			Help: "Violation candidates produced by detection rules",
		},
		[]string{"rule"},
	)

	// ViolationsTotal counts persisted violations by rule and severity.
	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_violations_total",
			Help: "Violations persisted after cooldown filtering",
		},
		[]string{"rule", "severity"},
	)

	// ViolationsSuppressed counts candidates dropped by an active cooldown.
	ViolationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_violations_suppressed_total",
			Help: "Violation candidates suppressed by cooldowns",
		},
		[]string{"rule"},
	)

	// TrustChanges counts trust score mutations (penalties and decay).
	TrustChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamguard_trust_changes_total",
			Help: "Trust score changes applied",
		},
	)

	// GeoLookups counts geolocation resolutions by result
	// (hit, miss, private, error).
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_geo_lookups_total",
			Help: "IP geolocation lookups",
		},
		[]string{"result"},
	)

	// ServerHealth is 1 when a server is up, 0 when down.
	ServerHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamguard_server_health",
			Help: "Media server health (1 up, 0 down)",
		},
		[]string{"server"},
	)
)
