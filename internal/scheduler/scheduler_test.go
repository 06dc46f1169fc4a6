// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/streamguard/internal/models"
	"github.com/tomtom215/streamguard/internal/store"
)

// fakeClock hands out controllable timers. Each After call is recorded and
// parked until the test fires it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	waits  []time.Duration
	timers []chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waits = append(c.waits, d)
	c.timers = append(c.timers, ch)
	return ch
}

// fire advances the clock and releases the latest parked timer.
func (c *fakeClock) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return
	}
	ch := c.timers[len(c.timers)-1]
	d := c.waits[len(c.waits)-1]
	c.now = c.now.Add(d)
	ch <- c.now
}

// waitForTimers blocks until n After calls have been made.
func (c *fakeClock) waitForTimers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.timers)
		c.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d timers, have %d", n, got)
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeClock) lastWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waits) == 0 {
		return 0
	}
	return c.waits[len(c.waits)-1]
}

// fakeClient scripts poll outcomes.
type fakeClient struct {
	mu       sync.Mutex
	serverID string
	fail     bool
	raws     []models.RawSession
	calls    int
}

func (f *fakeClient) ListActiveSessions(context.Context) ([]models.RawSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.raws, nil
}

func (f *fakeClient) VerifyHealth(context.Context) error { return nil }
func (f *fakeClient) ServerID() string                   { return f.serverID }

func (f *fakeClient) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

type recordingProcessor struct {
	mu        sync.Mutex
	snapshots int
}

func (p *recordingProcessor) ProcessSnapshot(context.Context, string, []models.RawSession, time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots++
	return nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots
}

type healthEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *healthEmitter) Emit(_ context.Context, eventType string, _ any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func (e *healthEmitter) Close() error { return nil }

func (e *healthEmitter) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func testLoopConfig() Config {
	return Config{
		Interval:      15 * time.Second,
		Timeout:       10 * time.Second,
		MaxBackoff:    60 * time.Second,
		DownThreshold: 3,
	}
}

func seedServer(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	err := st.Servers().Upsert(context.Background(), &models.Server{
		ID: id, Backend: models.BackendPlex, URL: "http://plex", Active: true, Health: models.HealthUp,
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func startLoop(t *testing.T, client *fakeClient, processor Processor, st *store.MemoryStore,
	emitter *healthEmitter, clock *fakeClock) (*pollLoop, context.CancelFunc) {
	t.Helper()
	loop := newPollLoop("s1", client, testLoopConfig(), processor, st.Servers(), emitter, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("poll loop did not stop")
		}
	})
	return loop, cancel
}

func TestPollLoopProcessesSnapshots(t *testing.T) {
	st := store.NewMemoryStore()
	seedServer(t, st, "s1")
	client := &fakeClient{serverID: "s1"}
	processor := &recordingProcessor{}
	emitter := &healthEmitter{}
	clock := newFakeClock()

	startLoop(t, client, processor, st, emitter, clock)

	clock.waitForTimers(t, 1)
	if got := processor.count(); got != 1 {
		t.Fatalf("snapshots = %d after first poll, want 1", got)
	}
	if got := clock.lastWait(); got != 15*time.Second {
		t.Errorf("wait = %s, want 15s", got)
	}

	clock.fire()
	clock.waitForTimers(t, 2)
	if got := processor.count(); got != 2 {
		t.Errorf("snapshots = %d after second poll, want 2", got)
	}
}

func TestPollLoopBackoffDoublesAndCaps(t *testing.T) {
	st := store.NewMemoryStore()
	seedServer(t, st, "s1")
	client := &fakeClient{serverID: "s1", fail: true}
	processor := &recordingProcessor{}
	emitter := &healthEmitter{}
	clock := newFakeClock()

	startLoop(t, client, processor, st, emitter, clock)

	// 15s -> 30s -> 60s -> 60s (capped).
	want := []time.Duration{30 * time.Second, 60 * time.Second, 60 * time.Second}
	clock.waitForTimers(t, 1)
	for i, w := range want {
		if got := clock.lastWait(); got != w {
			t.Fatalf("wait after failure %d = %s, want %s", i+1, got, w)
		}
		clock.fire()
		clock.waitForTimers(t, i+2)
	}

	if got := processor.count(); got != 0 {
		t.Errorf("snapshots = %d during failures, want 0", got)
	}
}

func TestPollLoopHealthEdges(t *testing.T) {
	st := store.NewMemoryStore()
	seedServer(t, st, "s1")
	client := &fakeClient{serverID: "s1", fail: true}
	processor := &recordingProcessor{}
	emitter := &healthEmitter{}
	clock := newFakeClock()

	startLoop(t, client, processor, st, emitter, clock)

	// Three consecutive failures flip the server down, exactly once.
	clock.waitForTimers(t, 1)
	for i := 0; i < 3; i++ {
		clock.fire()
		clock.waitForTimers(t, i+2)
	}

	events := emitter.all()
	downs := 0
	for _, e := range events {
		if e == models.TopicServerDown {
			downs++
		}
	}
	if downs != 1 {
		t.Fatalf("server.down emitted %d times over 4 failed polls, want 1", downs)
	}

	server, err := st.Servers().Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if server.Health != models.HealthDown {
		t.Errorf("health = %s, want down", server.Health)
	}

	// Recovery flips it back up and resets the cadence.
	client.setFail(false)
	n := len(clock.timers)
	clock.fire()
	clock.waitForTimers(t, n+1)

	server, _ = st.Servers().Get(context.Background(), "s1")
	if server.Health != models.HealthUp {
		t.Errorf("health after recovery = %s, want up", server.Health)
	}
	if got := clock.lastWait(); got != 15*time.Second {
		t.Errorf("wait after recovery = %s, want 15s", got)
	}
	ups := 0
	for _, e := range emitter.all() {
		if e == models.TopicServerUp {
			ups++
		}
	}
	if ups != 1 {
		t.Errorf("server.up emitted %d times, want 1", ups)
	}
}

// blockingClient parks ListActiveSessions until released and records the
// context state the call observed.
type blockingClient struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (b *blockingClient) ListActiveSessions(ctx context.Context) ([]models.RawSession, error) {
	close(b.started)
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return []models.RawSession{{SessionKey: "k1", ExternalUserID: "u1", Username: "alice", MediaTitle: "Movie"}}, nil
}

func (b *blockingClient) VerifyHealth(context.Context) error { return nil }
func (b *blockingClient) ServerID() string                   { return "s1" }

func (b *blockingClient) observedErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxErr
}

func TestPollLoopCancellationDiscardsInFlightResult(t *testing.T) {
	st := store.NewMemoryStore()
	seedServer(t, st, "s1")
	processor := &recordingProcessor{}
	emitter := &healthEmitter{}
	clock := newFakeClock()

	client := &blockingClient{started: make(chan struct{}), release: make(chan struct{})}
	loop := newPollLoop("s1", client, testLoopConfig(), processor, st.Servers(), emitter, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Serve(ctx)
	}()

	// Cancel while the poll is in flight, then let the call finish.
	<-client.started
	cancel()
	close(client.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not stop")
	}

	if err := client.observedErr(); err != nil {
		t.Errorf("in-flight call saw context error %v, want nil (call completes on its own timeout)", err)
	}
	if got := processor.count(); got != 0 {
		t.Errorf("snapshots = %d after canceled poll, want 0 (result discarded)", got)
	}
}

func TestForcePoll(t *testing.T) {
	st := store.NewMemoryStore()
	seedServer(t, st, "s1")
	client := &fakeClient{serverID: "s1"}
	processor := &recordingProcessor{}
	emitter := &healthEmitter{}
	clock := newFakeClock()

	m := NewManager(testLoopConfig(), processor, st.Servers(), emitter, clock)
	if m.ForcePoll("s1") {
		t.Fatal("ForcePoll() on unknown server = true, want false")
	}

	server, _ := st.Servers().Get(context.Background(), "s1")
	m.Add(server, client)
	loop := m.loops["s1"]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Serve(ctx)
	}()

	clock.waitForTimers(t, 1)
	if !m.ForcePoll("s1") {
		t.Fatal("ForcePoll() = false, want true")
	}
	clock.waitForTimers(t, 2)
	if got := processor.count(); got != 2 {
		t.Errorf("snapshots = %d after forced poll, want 2", got)
	}

	cancel()
	<-done
}
