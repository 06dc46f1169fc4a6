// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/streamguard/internal/models"
)

func TestConcurrentStreamsSeverity(t *testing.T) {
	tests := []struct {
		name         string
		open         []models.Session
		maxStreams   int
		wantFire     bool
		wantSeverity models.Severity
	}{
		{
			name: "at limit does not fire",
			open: []models.Session{
				openSession("a", "u1", "s1", ""),
				openSession("b", "u1", "s1", ""),
			},
			maxStreams: 2,
			wantFire:   false,
		},
		{
			name: "one over is warning",
			open: []models.Session{
				openSession("a", "u1", "s1", ""),
				openSession("b", "u1", "s1", ""),
				openSession("c", "u1", "s2", ""),
			},
			maxStreams:   2,
			wantFire:     true,
			wantSeverity: models.SeverityWarning,
		},
		{
			name: "two over is high",
			open: []models.Session{
				openSession("a", "u1", "s1", ""),
				openSession("b", "u1", "s1", ""),
				openSession("c", "u1", "s2", ""),
				openSession("d", "u1", "s2", ""),
			},
			maxStreams:   2,
			wantFire:     true,
			wantSeverity: models.SeverityHigh,
		},
		{
			name: "shared reference id folds into one play",
			open: []models.Session{
				openSession("a", "u1", "s1", "ref1"),
				openSession("b", "u1", "s1", "ref1"),
				openSession("c", "u1", "s1", ""),
			},
			maxStreams: 2,
			wantFire:   false,
		},
		{
			name: "same reference id on different servers stays distinct",
			open: []models.Session{
				openSession("a", "u1", "s1", "ref1"),
				openSession("b", "u1", "s2", "ref1"),
				openSession("c", "u1", "s1", ""),
			},
			maxStreams:   2,
			wantFire:     true,
			wantSeverity: models.SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewConcurrentStreamsDetector(ConcurrentStreamsConfig{
				MaxStreams: tt.maxStreams,
				Cooldown:   10 * time.Minute,
			})
			history := &fakeHistory{open: tt.open}

			candidates, err := d.Evaluate(context.Background(), startedEvent(tt.open[0]), history)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if !tt.wantFire {
				if len(candidates) != 0 {
					t.Fatalf("got %d candidates, want none", len(candidates))
				}
				return
			}
			if len(candidates) != 1 {
				t.Fatalf("got %d candidates, want 1", len(candidates))
			}
			if candidates[0].Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", candidates[0].Severity, tt.wantSeverity)
			}
		})
	}
}

func TestConcurrentStreamsFingerprintIsSortedSessionSet(t *testing.T) {
	open := []models.Session{
		openSession("zeta", "u1", "s1", ""),
		openSession("alpha", "u1", "s2", ""),
		openSession("mid", "u1", "s1", ""),
	}
	d := NewConcurrentStreamsDetector(ConcurrentStreamsConfig{MaxStreams: 2, Cooldown: time.Minute})

	candidates, err := d.Evaluate(context.Background(), startedEvent(open[0]), &fakeHistory{open: open})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}

	got := strings.Split(candidates[0].Fingerprint, ",")
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("fingerprint parts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fingerprint[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestConcurrentStreamsFiresOnUpdatedEvents(t *testing.T) {
	// An overage that outlives its start must keep firing: later batches only
	// carry updated events for the offending sessions.
	open := []models.Session{
		openSession("a", "u1", "s1", ""),
		openSession("b", "u1", "s1", ""),
		openSession("c", "u1", "s1", ""),
	}
	d := NewConcurrentStreamsDetector(ConcurrentStreamsConfig{MaxStreams: 2, Cooldown: time.Minute})

	ev := &models.LifecycleEvent{Type: models.EventUpdated, ObservedAt: testTime, Session: open[0]}
	candidates, err := d.Evaluate(context.Background(), ev, &fakeHistory{open: open})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates for updated event, want 1", len(candidates))
	}
	if candidates[0].Severity != models.SeverityWarning {
		t.Errorf("severity = %s, want warning", candidates[0].Severity)
	}
}

func TestConcurrentStreamsIgnoresStoppedEvents(t *testing.T) {
	open := []models.Session{
		openSession("a", "u1", "s1", ""),
		openSession("b", "u1", "s1", ""),
		openSession("c", "u1", "s1", ""),
	}
	d := NewConcurrentStreamsDetector(ConcurrentStreamsConfig{MaxStreams: 2, Cooldown: time.Minute})

	ev := &models.LifecycleEvent{Type: models.EventStopped, ObservedAt: testTime, Session: open[0]}
	candidates, err := d.Evaluate(context.Background(), ev, &fakeHistory{open: open})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("got %d candidates for stopped event, want none", len(candidates))
	}
}

func TestConcurrentStreamsConfigure(t *testing.T) {
	d := NewConcurrentStreamsDetector(ConcurrentStreamsConfig{MaxStreams: 2, Cooldown: time.Minute})
	if err := d.Configure([]byte(`{"max_streams": 5}`)); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	open := []models.Session{
		openSession("a", "u1", "s1", ""),
		openSession("b", "u1", "s1", ""),
		openSession("c", "u1", "s1", ""),
	}
	candidates, err := d.Evaluate(context.Background(), startedEvent(open[0]), &fakeHistory{open: open})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("got %d candidates with raised limit, want none", len(candidates))
	}

	if err := d.Configure([]byte(`{"max_streams": `)); err == nil {
		t.Error("Configure() with invalid JSON should fail")
	}
}
