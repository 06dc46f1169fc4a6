// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/models"
)

// CooldownStore tracks active violation cooldowns in BadgerDB. Keys expire
// via Badger TTL, so a crashed process resumes with its cooldowns intact when
// running on disk.
type CooldownStore struct {
	db *badger.DB
}

// OpenCooldownStore opens the store at path. An empty path uses an in-memory
// database; cooldowns then reset on restart.
func OpenCooldownStore(path string) (*CooldownStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cooldown store at %q: %w", path, err)
	}
	return &CooldownStore{db: db}, nil
}

// CooldownKey builds the dedup key for a candidate.
func CooldownKey(ruleType models.RuleType, userID, fingerprint string) []byte {
	return []byte(fmt.Sprintf("cd:%s:%s:%s", ruleType, userID, fingerprint))
}

// CheckAndSet atomically checks whether the key has an active cooldown and,
// if not, sets one with the given TTL. Returns true when the caller won the
// key and should fire the violation.
func (c *CooldownStore) CheckAndSet(key []byte, ttl time.Duration) (bool, error) {
	// Retry on write conflict: once any writer commits the key, subsequent
	// attempts read it and return suppressed, so the loop terminates.
	for {
		won, err := c.tryCheckAndSet(key, ttl)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return won, err
	}
}

func (c *CooldownStore) tryCheckAndSet(key []byte, ttl time.Duration) (bool, error) {
	won := false
	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			// Active cooldown, suppress.
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		entry := badger.NewEntry(key, []byte{1}).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// Clear removes a cooldown, letting the next candidate fire immediately.
// Used by the admin surface when a violation is dismissed as a false positive.
func (c *CooldownStore) Clear(key []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the underlying database.
func (c *CooldownStore) Close() error {
	if err := c.db.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close cooldown store")
		return err
	}
	return nil
}
