// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/streamguard/internal/faults"
	"github.com/tomtom215/streamguard/internal/models"
	"github.com/tomtom215/streamguard/internal/store"
)

type fakeTrust struct {
	mu      sync.Mutex
	applied []models.Severity
	err     error
}

func (f *fakeTrust) ApplyViolation(_ context.Context, _ string, severity models.Severity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, severity)
	return f.err
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(_ context.Context, eventType string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeEmitter) Close() error { return nil }

// scriptedDetector returns preset candidates or an error.
type scriptedDetector struct {
	ruleType   models.RuleType
	candidates []Candidate
	err        error
	enabled    bool
	calls      int
}

func (d *scriptedDetector) Type() models.RuleType { return d.ruleType }
func (d *scriptedDetector) Enabled() bool         { return d.enabled }
func (d *scriptedDetector) SetEnabled(e bool)     { d.enabled = e }
func (d *scriptedDetector) Configure(json.RawMessage) error {
	return nil
}

func (d *scriptedDetector) Evaluate(context.Context, *models.LifecycleEvent, History) ([]Candidate, error) {
	d.calls++
	return d.candidates, d.err
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *fakeTrust, *fakeEmitter) {
	t.Helper()
	st := store.NewMemoryStore()
	trust := &fakeTrust{}
	emitter := &fakeEmitter{}
	cooldowns := newTestCooldowns(t)

	engine := NewEngine(&fakeHistory{}, cooldowns, st.Violations(), st.Devices(),
		trust, emitter, EngineConfig{ViolationInsertRetries: 2, ViolationRetryDelay: time.Millisecond})
	return engine, st, trust, emitter
}

func candidate(rule models.RuleType, userID, fingerprint string, severity models.Severity) Candidate {
	return Candidate{
		RuleType:    rule,
		UserID:      userID,
		Severity:    severity,
		Fingerprint: fingerprint,
		Cooldown:    time.Hour,
		Title:       "test",
		Message:     "test",
	}
}

func TestEnginePersistsViolationAndAppliesTrust(t *testing.T) {
	engine, st, trust, emitter := newTestEngine(t)
	engine.Register(&scriptedDetector{
		ruleType:   models.RuleTypeNewDevice,
		candidates: []Candidate{candidate(models.RuleTypeNewDevice, "u1", "Roku", models.SeverityLow)},
		enabled:    true,
	})

	s := openSession("a", "u1", "s1", "")
	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(s)})

	violations, err := st.Violations().List(context.Background(), store.ViolationFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(violations))
	}
	if len(trust.applied) != 1 || trust.applied[0] != models.SeverityLow {
		t.Errorf("trust applied = %v, want [low]", trust.applied)
	}
	if len(emitter.events) != 1 || emitter.events[0] != models.TopicViolationCreated {
		t.Errorf("emitted = %v, want [%s]", emitter.events, models.TopicViolationCreated)
	}
}

func TestEngineCooldownSuppressesRepeat(t *testing.T) {
	engine, st, _, _ := newTestEngine(t)
	engine.Register(&scriptedDetector{
		ruleType:   models.RuleTypeNewDevice,
		candidates: []Candidate{candidate(models.RuleTypeNewDevice, "u1", "Roku", models.SeverityLow)},
		enabled:    true,
	})

	s := openSession("a", "u1", "s1", "")
	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(s)})
	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(s)})

	violations, err := st.Violations().List(context.Background(), store.ViolationFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("got %d violations across two batches, want 1", len(violations))
	}
}

func TestEngineOneViolationPerFingerprintPerBatch(t *testing.T) {
	engine, st, _, _ := newTestEngine(t)
	engine.Register(&scriptedDetector{
		ruleType:   models.RuleTypeConcurrentStreams,
		candidates: []Candidate{candidate(models.RuleTypeConcurrentStreams, "u1", "a,b,c", models.SeverityWarning)},
		enabled:    true,
	})

	// Three events in one batch all implicating the same stream set.
	batch := []models.LifecycleEvent{
		*startedEvent(openSession("a", "u1", "s1", "")),
		*startedEvent(openSession("b", "u1", "s1", "")),
		*startedEvent(openSession("c", "u1", "s2", "")),
	}
	engine.ProcessBatch(context.Background(), batch)

	violations, err := st.Violations().List(context.Background(), store.ViolationFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("got %d violations in one batch, want 1", len(violations))
	}
}

// flakyViolations fails the first failures inserts with err before delegating.
type flakyViolations struct {
	store.Violations
	mu       sync.Mutex
	failures int
	err      error
	attempts int
}

func (f *flakyViolations) Insert(ctx context.Context, v *models.Violation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return f.err
	}
	return f.Violations.Insert(ctx, v)
}

func TestEngineRetriesUnclassifiedInsertErrors(t *testing.T) {
	st := store.NewMemoryStore()
	// Plain driver errors carry no classification; the insert must still be
	// retried within the bounded budget.
	violations := &flakyViolations{
		Violations: st.Violations(),
		failures:   2,
		err:        errors.New("database is locked"),
	}
	engine := NewEngine(&fakeHistory{}, newTestCooldowns(t), violations, st.Devices(),
		&fakeTrust{}, &fakeEmitter{}, EngineConfig{ViolationInsertRetries: 2, ViolationRetryDelay: time.Millisecond})
	engine.Register(&scriptedDetector{
		ruleType:   models.RuleTypeNewDevice,
		candidates: []Candidate{candidate(models.RuleTypeNewDevice, "u1", "Roku", models.SeverityLow)},
		enabled:    true,
	})

	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(openSession("a", "u1", "s1", ""))})

	if violations.attempts != 3 {
		t.Errorf("insert attempts = %d, want 3 (two failures then success)", violations.attempts)
	}
	persisted, err := st.Violations().List(context.Background(), store.ViolationFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("got %d violations after retries, want 1", len(persisted))
	}
}

func TestEngineDoesNotRetryPermanentInsertErrors(t *testing.T) {
	st := store.NewMemoryStore()
	violations := &flakyViolations{
		Violations: st.Violations(),
		failures:   10,
		err:        faults.Permanentf("violations table has no such column"),
	}
	engine := NewEngine(&fakeHistory{}, newTestCooldowns(t), violations, st.Devices(),
		&fakeTrust{}, &fakeEmitter{}, EngineConfig{ViolationInsertRetries: 2, ViolationRetryDelay: time.Millisecond})
	engine.Register(&scriptedDetector{
		ruleType:   models.RuleTypeNewDevice,
		candidates: []Candidate{candidate(models.RuleTypeNewDevice, "u1", "Roku", models.SeverityLow)},
		enabled:    true,
	})

	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(openSession("a", "u1", "s1", ""))})

	if violations.attempts != 1 {
		t.Errorf("insert attempts = %d, want 1 (no retry on permanent)", violations.attempts)
	}
}

func TestEngineDetectorErrorIsolation(t *testing.T) {
	engine, st, _, _ := newTestEngine(t)
	engine.Register(&scriptedDetector{
		ruleType: models.RuleTypeImpossibleTravel,
		err:      errors.New("geo lookup exploded"),
		enabled:  true,
	})
	engine.Register(&scriptedDetector{
		ruleType:   models.RuleTypeNewDevice,
		candidates: []Candidate{candidate(models.RuleTypeNewDevice, "u1", "Roku", models.SeverityLow)},
		enabled:    true,
	})

	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(openSession("a", "u1", "s1", ""))})

	violations, err := st.Violations().List(context.Background(), store.ViolationFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("got %d violations despite failing sibling rule, want 1", len(violations))
	}
}

func TestEngineSkipsDisabledDetectors(t *testing.T) {
	engine, st, _, _ := newTestEngine(t)
	d := &scriptedDetector{
		ruleType:   models.RuleTypeNewDevice,
		candidates: []Candidate{candidate(models.RuleTypeNewDevice, "u1", "Roku", models.SeverityLow)},
		enabled:    false,
	}
	engine.Register(d)

	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(openSession("a", "u1", "s1", ""))})

	if d.calls != 0 {
		t.Errorf("disabled detector evaluated %d times, want 0", d.calls)
	}
	violations, _ := st.Violations().List(context.Background(), store.ViolationFilter{})
	if len(violations) != 0 {
		t.Errorf("got %d violations from disabled detector, want 0", len(violations))
	}
}

func TestEngineRecordsDeviceAfterEvaluation(t *testing.T) {
	engine, st, _, _ := newTestEngine(t)

	s := openSession("a", "u1", "s1", "")
	s.Platform = "Roku"
	engine.ProcessBatch(context.Background(), []models.LifecycleEvent{*startedEvent(s)})

	seen, err := st.Devices().Seen(context.Background(), "u1", "Roku")
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if !seen {
		t.Error("device not recorded after started event")
	}
}

func TestEngineApplyRules(t *testing.T) {
	engine, st, _, _ := newTestEngine(t)
	d := &scriptedDetector{ruleType: models.RuleTypeNewDevice, enabled: true}
	engine.Register(d)

	rule := &models.Rule{
		RuleType: models.RuleTypeNewDevice,
		Name:     "new device off",
		Enabled:  false,
		Config:   []byte(`{}`),
	}
	if err := st.Rules().Save(context.Background(), rule); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := engine.ApplyRules(context.Background(), st.Rules()); err != nil {
		t.Fatalf("ApplyRules() error = %v", err)
	}
	if d.Enabled() {
		t.Error("detector still enabled after rule disabled it")
	}
}
