// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package mediaserver provides backend clients that fetch active session
// snapshots from Plex and Jellyfin servers. Clients normalize backend payloads
// into models.RawSession; all interpretation happens downstream in the
// reconciler.
package mediaserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tomtom215/streamguard/internal/models"
)

// Client fetches session snapshots from one media server.
type Client interface {
	// ListActiveSessions returns every currently active session. An empty
	// slice is a valid answer meaning nothing is playing.
	ListActiveSessions(ctx context.Context) ([]models.RawSession, error)

	// VerifyHealth checks reachability and credentials without fetching
	// session data.
	VerifyHealth(ctx context.Context) error

	// ServerID returns the id of the server this client talks to.
	ServerID() string
}

// NewClient constructs a backend client for the server record.
func NewClient(server *models.Server, token string) (Client, error) {
	baseURL := strings.TrimRight(server.URL, "/")
	httpClient := &http.Client{Timeout: 30 * time.Second}

	switch server.Backend {
	case models.BackendPlex:
		return &PlexClient{
			serverID: server.ID,
			baseURL:  baseURL,
			token:    token,
			client:   httpClient,
		}, nil
	case models.BackendJellyfin:
		return &JellyfinClient{
			serverID: server.ID,
			baseURL:  baseURL,
			token:    token,
			client:   httpClient,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", server.Backend)
	}
}
