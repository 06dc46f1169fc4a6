// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/streamguard/internal/models"
)

// MemoryStore is a map-backed Store used in tests and quick evaluations. All
// repositories share one mutex; contention is irrelevant at test scale.
type MemoryStore struct {
	mu sync.RWMutex

	servers    map[string]models.Server
	users      map[string]models.ServerUser
	userByExt  map[string]string // externalID -> user id
	sessions   map[string]models.Session
	violations map[string]models.Violation
	devices    map[string]time.Time // userID + "\x00" + platform
	rules      map[int64]models.Rule
	nextRuleID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:    make(map[string]models.Server),
		users:      make(map[string]models.ServerUser),
		userByExt:  make(map[string]string),
		sessions:   make(map[string]models.Session),
		violations: make(map[string]models.Violation),
		devices:    make(map[string]time.Time),
		rules:      make(map[int64]models.Rule),
		nextRuleID: 1,
	}
}

func (m *MemoryStore) Servers() Servers         { return (*memServers)(m) }
func (m *MemoryStore) ServerUsers() ServerUsers { return (*memUsers)(m) }
func (m *MemoryStore) Sessions() Sessions       { return (*memSessions)(m) }
func (m *MemoryStore) Violations() Violations   { return (*memViolations)(m) }
func (m *MemoryStore) Devices() Devices         { return (*memDevices)(m) }
func (m *MemoryStore) Rules() Rules             { return (*memRules)(m) }
func (m *MemoryStore) Close() error             { return nil }

type memServers MemoryStore

func (m *memServers) Upsert(_ context.Context, server *models.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[server.ID] = *server
	return nil
}

func (m *memServers) Get(_ context.Context, id string) (*models.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *memServers) List(_ context.Context) ([]models.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memServers) SetHealth(_ context.Context, id string, health models.HealthState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Health = health
	s.HealthChangedAt = at
	m.servers[id] = s
	return nil
}

func (m *memServers) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = active
	m.servers[id] = s
	return nil
}

type memUsers MemoryStore

func (m *memUsers) UpsertByExternalID(_ context.Context, serverID *string, externalID, username string, baseline int) (*models.ServerUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := m.userByExt[externalID]; ok {
		u := m.users[id]
		if username != "" && u.Username != username {
			u.Username = username
		}
		u.UpdatedAt = now
		m.users[id] = u
		return &u, nil
	}

	u := models.ServerUser{
		ID:         uuid.NewString(),
		ServerID:   serverID,
		ExternalID: externalID,
		Username:   username,
		TrustScore: baseline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.users[u.ID] = u
	m.userByExt[externalID] = u.ID
	return &u, nil
}

func (m *memUsers) Get(_ context.Context, id string) (*models.ServerUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *memUsers) SetTrustScore(_ context.Context, id string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.TrustScore = score
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

func (m *memUsers) RecordViolationAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastViolationAt = &at
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

func (m *memUsers) ListIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for id := range m.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type memSessions MemoryStore

func (m *memSessions) Upsert(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = *session
	return nil
}

func (m *memSessions) Close(_ context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State == models.SessionClosed {
		return nil
	}
	s.State = models.SessionClosed
	s.EndedAt = &endedAt
	m.sessions[id] = s
	return nil
}

func (m *memSessions) LastForUser(_ context.Context, userID string, before time.Time, excludeID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Session
	for id := range m.sessions {
		s := m.sessions[id]
		if s.UserID != userID || s.ID == excludeID || !s.StartedAt.Before(before) {
			continue
		}
		if best == nil || s.StartedAt.After(best.StartedAt) {
			copied := s
			best = &copied
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *memSessions) ListByUser(_ context.Context, userID string, limit int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memViolations MemoryStore

func (m *memViolations) Insert(_ context.Context, v *models.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	m.violations[v.ID] = *v
	return nil
}

func (m *memViolations) Acknowledge(_ context.Context, id, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.violations[id]
	if !ok {
		return ErrNotFound
	}
	v.AcknowledgedBy = by
	v.AcknowledgedAt = &at
	m.violations[id] = v
	return nil
}

func (m *memViolations) List(_ context.Context, filter ViolationFilter) ([]models.Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Violation
	for _, v := range m.violations {
		if filter.UserID != "" && v.UserID != filter.UserID {
			continue
		}
		if filter.RuleType != "" && v.RuleType != filter.RuleType {
			continue
		}
		if filter.Severity != "" && v.Severity != filter.Severity {
			continue
		}
		if filter.Acknowledged != nil && (v.AcknowledgedAt != nil) != *filter.Acknowledged {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type memDevices MemoryStore

func deviceKey(userID, platform string) string {
	return userID + "\x00" + platform
}

func (m *memDevices) Seen(_ context.Context, userID, platform string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.devices[deviceKey(userID, platform)]
	return ok, nil
}

func (m *memDevices) Record(_ context.Context, userID, platform string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey(userID, platform)
	if _, ok := m.devices[key]; !ok {
		m.devices[key] = at
	}
	return nil
}

type memRules MemoryStore

func (m *memRules) List(_ context.Context) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRules) Save(_ context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if rule.ID == 0 {
		rule.ID = m.nextRuleID
		m.nextRuleID++
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	m.rules[rule.ID] = *rule
	return nil
}
