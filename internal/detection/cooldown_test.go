// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/streamguard/internal/models"
)

func newTestCooldowns(t *testing.T) *CooldownStore {
	t.Helper()
	c, err := OpenCooldownStore("")
	if err != nil {
		t.Fatalf("OpenCooldownStore() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCooldownCheckAndSet(t *testing.T) {
	c := newTestCooldowns(t)
	key := CooldownKey(models.RuleTypeConcurrentStreams, "u1", "fp1")

	won, err := c.CheckAndSet(key, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndSet() error = %v", err)
	}
	if !won {
		t.Fatal("first CheckAndSet() = false, want true")
	}

	won, err = c.CheckAndSet(key, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndSet() error = %v", err)
	}
	if won {
		t.Fatal("second CheckAndSet() = true, want suppressed")
	}
}

func TestCooldownKeysAreIndependent(t *testing.T) {
	c := newTestCooldowns(t)

	keys := [][]byte{
		CooldownKey(models.RuleTypeConcurrentStreams, "u1", "fp1"),
		CooldownKey(models.RuleTypeConcurrentStreams, "u1", "fp2"),
		CooldownKey(models.RuleTypeConcurrentStreams, "u2", "fp1"),
		CooldownKey(models.RuleTypeImpossibleTravel, "u1", "fp1"),
	}
	for i, key := range keys {
		won, err := c.CheckAndSet(key, time.Minute)
		if err != nil {
			t.Fatalf("CheckAndSet(key %d) error = %v", i, err)
		}
		if !won {
			t.Errorf("CheckAndSet(key %d) = false, want true", i)
		}
	}
}

func TestCooldownExpires(t *testing.T) {
	c := newTestCooldowns(t)
	key := CooldownKey(models.RuleTypeNewDevice, "u1", "Roku")

	if won, err := c.CheckAndSet(key, 50*time.Millisecond); err != nil || !won {
		t.Fatalf("CheckAndSet() = %v, %v; want win", won, err)
	}

	time.Sleep(120 * time.Millisecond)

	won, err := c.CheckAndSet(key, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndSet() after expiry error = %v", err)
	}
	if !won {
		t.Fatal("CheckAndSet() after expiry = false, want true")
	}
}

func TestCooldownClear(t *testing.T) {
	c := newTestCooldowns(t)
	key := CooldownKey(models.RuleTypeImpossibleTravel, "u1", "a:b")

	if won, err := c.CheckAndSet(key, time.Hour); err != nil || !won {
		t.Fatalf("CheckAndSet() = %v, %v; want win", won, err)
	}
	if err := c.Clear(key); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if won, err := c.CheckAndSet(key, time.Hour); err != nil || !won {
		t.Fatalf("CheckAndSet() after clear = %v, %v; want win", won, err)
	}

	// Clearing an absent key is a no-op.
	if err := c.Clear([]byte("cd:none")); err != nil {
		t.Errorf("Clear() on missing key error = %v", err)
	}
}

func TestCooldownConcurrentCheckAndSet(t *testing.T) {
	c := newTestCooldowns(t)
	key := CooldownKey(models.RuleTypeConcurrentStreams, "u1", "race")

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := c.CheckAndSet(key, time.Minute)
			if err != nil {
				t.Errorf("CheckAndSet() error = %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d goroutines won the cooldown, want exactly 1", winners)
	}
}
