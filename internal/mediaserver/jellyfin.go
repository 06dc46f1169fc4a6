// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package mediaserver

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/streamguard/internal/faults"
	"github.com/tomtom215/streamguard/internal/models"
)

// ticksPerMillisecond converts Jellyfin's 100-nanosecond ticks.
const ticksPerMillisecond = 10000

// JellyfinClient fetches active sessions from a Jellyfin server using
// X-Emby-Token authentication.
type JellyfinClient struct {
	serverID string
	baseURL  string
	token    string
	client   *http.Client
}

type jellyfinSession struct {
	ID             string `json:"Id"`
	UserID         string `json:"UserId"`
	UserName       string `json:"UserName"`
	Client         string `json:"Client"`
	DeviceName     string `json:"DeviceName"`
	RemoteEndPoint string `json:"RemoteEndPoint"`
	NowPlayingItem *struct {
		ID         string `json:"Id"`
		Name       string `json:"Name"`
		SeriesName string `json:"SeriesName"`
		Type       string `json:"Type"`
	} `json:"NowPlayingItem"`
	PlayState struct {
		PositionTicks int64 `json:"PositionTicks"`
		IsPaused      bool  `json:"IsPaused"`
	} `json:"PlayState"`
	TranscodingInfo *struct {
		IsVideoDirect bool `json:"IsVideoDirect"`
	} `json:"TranscodingInfo"`
}

func (c *JellyfinClient) ServerID() string {
	return c.serverID
}

// ListActiveSessions fetches /Sessions and keeps only entries with an item
// actually playing. Idle connected clients also appear in the endpoint.
func (c *JellyfinClient) ListActiveSessions(ctx context.Context) ([]models.RawSession, error) {
	body, err := c.get(ctx, "/Sessions")
	if err != nil {
		return nil, err
	}

	var parsed []jellyfinSession
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, faults.Permanentf("decoding jellyfin sessions: %w", err)
	}

	sessions := make([]models.RawSession, 0, len(parsed))
	for i := range parsed {
		s := &parsed[i]
		if s.NowPlayingItem == nil {
			continue
		}
		sessions = append(sessions, jellyfinToRaw(s))
	}
	return sessions, nil
}

// VerifyHealth checks the unauthenticated /System/Info/Public endpoint.
func (c *JellyfinClient) VerifyHealth(ctx context.Context) error {
	_, err := c.get(ctx, "/System/Info/Public")
	return err
}

func (c *JellyfinClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, faults.Permanentf("building jellyfin request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.Transient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, faults.Permanentf("jellyfin rejected token (401)")
	case resp.StatusCode >= 500:
		return nil, faults.Transientf("jellyfin returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, faults.Permanentf("jellyfin returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, faults.Wrap(faults.Transient, err)
	}
	return body, nil
}

func jellyfinToRaw(s *jellyfinSession) models.RawSession {
	title := s.NowPlayingItem.Name
	if s.NowPlayingItem.SeriesName != "" {
		title = s.NowPlayingItem.SeriesName + " - " + title
	}

	platform := s.Client
	if platform == "" {
		platform = s.DeviceName
	}

	return models.RawSession{
		SessionKey:     s.ID,
		ReferenceID:    s.NowPlayingItem.ID,
		ExternalUserID: s.UserID,
		Username:       s.UserName,
		MediaTitle:     title,
		MediaType:      s.NowPlayingItem.Type,
		Platform:       platform,
		Transcode:      s.TranscodingInfo != nil,
		Paused:         s.PlayState.IsPaused,
		ProgressMs:     s.PlayState.PositionTicks / ticksPerMillisecond,
		ClientIP:       s.RemoteEndPoint,
	}
}
