// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package mediaserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tomtom215/streamguard/internal/faults"
	"github.com/tomtom215/streamguard/internal/models"
)

const plexSessionsBody = `{
	"MediaContainer": {
		"size": 2,
		"Metadata": [
			{
				"sessionKey": "41",
				"title": "Heat",
				"type": "movie",
				"viewOffset": 125000,
				"User": {"id": "1", "title": "alice"},
				"Player": {"address": "203.0.113.7", "platform": "Roku", "state": "playing"},
				"Session": {"id": "tr-abc"}
			},
			{
				"sessionKey": "42",
				"title": "Ozymandias",
				"grandparentTitle": "Breaking Bad",
				"type": "episode",
				"viewOffset": 9000,
				"User": {"id": 2, "title": "bob"},
				"Player": {"address": "198.51.100.4:32400", "platform": "", "product": "Plex Web", "state": "paused"},
				"Session": {"id": "tr-def"},
				"TranscodeSession": {"videoDecision": "transcode"}
			}
		]
	}
}`

func newPlexTestServer(t *testing.T, body string, status int) (*PlexClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Plex-Token"); got != "tok" {
			t.Errorf("X-Plex-Token = %q, want tok", got)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(&models.Server{
		ID: "s1", Backend: models.BackendPlex, URL: server.URL,
	}, "tok")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client.(*PlexClient), server
}

func TestPlexListActiveSessions(t *testing.T) {
	client, _ := newPlexTestServer(t, plexSessionsBody, http.StatusOK)

	sessions, err := client.ListActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ListActiveSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}

	first := sessions[0]
	if first.SessionKey != "41" || first.ExternalUserID != "1" || first.Username != "alice" {
		t.Errorf("first session = %+v", first)
	}
	if first.MediaTitle != "Heat" || first.Platform != "Roku" || first.Paused || first.Transcode {
		t.Errorf("first session fields = %+v", first)
	}
	if first.ReferenceID != "tr-abc" || first.ProgressMs != 125000 {
		t.Errorf("first reference/progress = %s/%d", first.ReferenceID, first.ProgressMs)
	}

	second := sessions[1]
	if second.ExternalUserID != "2" {
		t.Errorf("numeric user id parsed as %q, want 2", second.ExternalUserID)
	}
	if second.MediaTitle != "Breaking Bad - Ozymandias" {
		t.Errorf("episode title = %q", second.MediaTitle)
	}
	if second.Platform != "Plex Web" {
		t.Errorf("platform fallback = %q, want product", second.Platform)
	}
	if !second.Paused || !second.Transcode {
		t.Errorf("second paused/transcode = %v/%v, want true/true", second.Paused, second.Transcode)
	}
}

func TestPlexErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"server error is transient", http.StatusBadGateway, true},
		{"unauthorized is permanent", http.StatusUnauthorized, false},
		{"not found is permanent", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newPlexTestServer(t, "", tt.status)
			_, err := client.ListActiveSessions(context.Background())
			if err == nil {
				t.Fatal("ListActiveSessions() = nil error, want error")
			}
			if got := faults.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

const jellyfinSessionsBody = `[
	{
		"Id": "jf-1",
		"UserId": "u-100",
		"UserName": "carol",
		"Client": "Jellyfin Android",
		"RemoteEndPoint": "203.0.113.10:39000",
		"NowPlayingItem": {"Id": "item-1", "Name": "Pilot", "SeriesName": "Severance", "Type": "Episode"},
		"PlayState": {"PositionTicks": 1200000000, "IsPaused": true},
		"TranscodingInfo": {"IsVideoDirect": false}
	},
	{
		"Id": "jf-2",
		"UserId": "u-101",
		"UserName": "idle",
		"Client": "Jellyfin Web"
	}
]`

func TestJellyfinListActiveSessions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Emby-Token"); got != "tok" {
			t.Errorf("X-Emby-Token = %q, want tok", got)
		}
		_, _ = w.Write([]byte(jellyfinSessionsBody))
	}))
	defer server.Close()

	client, err := NewClient(&models.Server{
		ID: "s2", Backend: models.BackendJellyfin, URL: server.URL,
	}, "tok")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	sessions, err := client.ListActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ListActiveSessions() error = %v", err)
	}
	// The idle session with no playing item is filtered out.
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}

	s := sessions[0]
	if s.SessionKey != "jf-1" || s.ExternalUserID != "u-100" || s.Username != "carol" {
		t.Errorf("session = %+v", s)
	}
	if s.MediaTitle != "Severance - Pilot" || s.ReferenceID != "item-1" {
		t.Errorf("title/reference = %q/%q", s.MediaTitle, s.ReferenceID)
	}
	if s.ProgressMs != 120000 {
		t.Errorf("ProgressMs = %d, want 120000 (ticks conversion)", s.ProgressMs)
	}
	if !s.Paused || !s.Transcode {
		t.Errorf("paused/transcode = %v/%v, want true/true", s.Paused, s.Transcode)
	}
	if s.ClientIP != "203.0.113.10:39000" {
		t.Errorf("ClientIP = %q", s.ClientIP)
	}
}

func TestNewClientRejectsUnknownBackend(t *testing.T) {
	_, err := NewClient(&models.Server{ID: "x", Backend: "emby", URL: "http://x"}, "t")
	if err == nil {
		t.Fatal("NewClient() with unknown backend should fail")
	}
}
