// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package mediaserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tomtom215/streamguard/internal/faults"
	"github.com/tomtom215/streamguard/internal/models"
)

// PlexClient fetches active sessions from a Plex Media Server over its HTTP
// API using X-Plex-Token authentication.
type PlexClient struct {
	serverID string
	baseURL  string
	token    string
	client   *http.Client
}

// plexSessionsResponse is the JSON shape of GET /status/sessions.
type plexSessionsResponse struct {
	MediaContainer struct {
		Size     int           `json:"size"`
		Metadata []plexSession `json:"Metadata"`
	} `json:"MediaContainer"`
}

type plexSession struct {
	SessionKey       string `json:"sessionKey"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	Type             string `json:"type"`
	ViewOffset       int64  `json:"viewOffset"`
	User             struct {
		// ID is a string in recent Plex versions but numeric in older ones.
		ID    json.RawMessage `json:"id"`
		Title string          `json:"title"`
	} `json:"User"`
	Player struct {
		Address  string `json:"address"`
		Platform string `json:"platform"`
		Product  string `json:"product"`
		State    string `json:"state"`
	} `json:"Player"`
	Session struct {
		ID string `json:"id"`
	} `json:"Session"`
	TranscodeSession *struct {
		VideoDecision string `json:"videoDecision"`
	} `json:"TranscodeSession"`
}

func (c *PlexClient) ServerID() string {
	return c.serverID
}

// ListActiveSessions fetches the current session snapshot.
func (c *PlexClient) ListActiveSessions(ctx context.Context) ([]models.RawSession, error) {
	body, err := c.get(ctx, "/status/sessions")
	if err != nil {
		return nil, err
	}

	var parsed plexSessionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, faults.Permanentf("decoding plex sessions: %w", err)
	}

	sessions := make([]models.RawSession, 0, len(parsed.MediaContainer.Metadata))
	for i := range parsed.MediaContainer.Metadata {
		sessions = append(sessions, plexToRaw(&parsed.MediaContainer.Metadata[i]))
	}
	return sessions, nil
}

// VerifyHealth checks the lightweight /identity endpoint.
func (c *PlexClient) VerifyHealth(ctx context.Context) error {
	_, err := c.get(ctx, "/identity")
	return err
}

func (c *PlexClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, faults.Permanentf("building plex request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.Transient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, faults.Permanentf("plex rejected token (401)")
	case resp.StatusCode >= 500:
		return nil, faults.Transientf("plex returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, faults.Permanentf("plex returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, faults.Wrap(faults.Transient, err)
	}
	return body, nil
}

func plexToRaw(s *plexSession) models.RawSession {
	title := s.Title
	if s.GrandparentTitle != "" {
		title = fmt.Sprintf("%s - %s", s.GrandparentTitle, s.Title)
	}

	platform := s.Player.Platform
	if platform == "" {
		platform = s.Player.Product
	}

	return models.RawSession{
		SessionKey:     s.SessionKey,
		ReferenceID:    s.Session.ID,
		ExternalUserID: plexUserID(s.User.ID),
		Username:       s.User.Title,
		MediaTitle:     title,
		MediaType:      s.Type,
		Platform:       platform,
		Transcode:      s.TranscodeSession != nil,
		Paused:         s.Player.State == "paused",
		ProgressMs:     s.ViewOffset,
		ClientIP:       s.Player.Address,
	}
}

// plexUserID tolerates Plex occasionally sending numeric user ids.
func plexUserID(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return strconv.FormatInt(asInt, 10)
	}
	return ""
}
