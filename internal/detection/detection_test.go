// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package detection

import (
	"context"
	"time"

	"github.com/tomtom215/streamguard/internal/models"
)

var testTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// fakeHistory is a hand-rolled History for detector tests.
type fakeHistory struct {
	open    []models.Session
	last    *models.Session
	devices map[string]bool
	err     error
}

func (f *fakeHistory) OpenSessionsForUser(context.Context, string) ([]models.Session, error) {
	return f.open, f.err
}

func (f *fakeHistory) LastSessionForUser(context.Context, string, time.Time, string) (*models.Session, error) {
	return f.last, f.err
}

func (f *fakeHistory) DeviceSeen(_ context.Context, userID, platform string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.devices[userID+"/"+platform], nil
}

func startedEvent(s models.Session) *models.LifecycleEvent {
	return &models.LifecycleEvent{
		Type:       models.EventStarted,
		ObservedAt: s.StartedAt,
		Session:    s,
	}
}

func openSession(id, userID, serverID, refID string) models.Session {
	return models.Session{
		ID:          id,
		ServerID:    serverID,
		SessionKey:  "key-" + id,
		ReferenceID: refID,
		UserID:      userID,
		MediaTitle:  "Movie",
		StartedAt:   testTime,
		LastSeenAt:  testTime,
		State:       models.SessionOpen,
	}
}
