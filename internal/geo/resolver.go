// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package geo resolves client IP addresses to geographic coordinates for the
// impossible travel rule. Private and loopback addresses resolve to an
// unknown location without a network call.
package geo

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/streamguard/internal/models"
)

// Resolver resolves an IP address to a geolocation. Implementations must be
// safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*models.Geolocation, error)
}

// NopResolver always returns an unknown location. Used when geolocation is
// disabled; impossible travel never fires without coordinates.
type NopResolver struct{}

func (NopResolver) Resolve(_ context.Context, ip string) (*models.Geolocation, error) {
	return unknownLocation(ip), nil
}

// NormalizeIPAddress strips port suffixes and brackets so that cache keys and
// lookups see a bare address. Returns the input unchanged when it is not a
// host:port form.
func NormalizeIPAddress(ip string) string {
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

// IsPrivateIP reports whether the address is private, loopback, link-local or
// unparseable. Such addresses are local to the media server's network and
// carry no geographic signal.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(NormalizeIPAddress(ip))
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}

func unknownLocation(ip string) *models.Geolocation {
	return &models.Geolocation{
		IPAddress:  NormalizeIPAddress(ip),
		ResolvedAt: time.Now().UTC(),
	}
}

// cache is a simple TTL cache for resolved locations. Geolocation of a given
// address is stable on the timescale of a session, so a long TTL is safe.
type cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	loc     *models.Geolocation
	expires time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{entries: make(map[string]cacheEntry), ttl: ttl}
}

func (c *cache) get(ip string) (*models.Geolocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ip]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.loc, true
}

func (c *cache) put(ip string, loc *models.Geolocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Crude bound; entries churn slowly at session-poll rates.
	if len(c.entries) > 10000 {
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[ip] = cacheEntry{loc: loc, expires: time.Now().Add(c.ttl)}
}
