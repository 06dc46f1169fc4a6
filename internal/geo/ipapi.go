// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package geo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/streamguard/internal/faults"
	"github.com/tomtom215/streamguard/internal/logging"
	"github.com/tomtom215/streamguard/internal/metrics"
	"github.com/tomtom215/streamguard/internal/models"
)

const (
	ipapiBaseURL  = "http://ip-api.com/json"
	ipapiCacheTTL = 24 * time.Hour
)

// IPAPIResolver resolves public addresses through the ip-api.com free tier,
// rate limited to stay under its request quota. Failed lookups degrade to an
// unknown location rather than blocking reconciliation.
type IPAPIResolver struct {
	client  *http.Client
	limiter *rate.Limiter
	cache   *cache
	baseURL string
}

// NewIPAPIResolver creates a resolver with the given per-minute request budget.
func NewIPAPIResolver(ratePerMinute int) *IPAPIResolver {
	return &IPAPIResolver{
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1),
		cache:   newCache(ipapiCacheTTL),
		baseURL: ipapiBaseURL,
	}
}

type ipapiResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	City       string  `json:"city"`
	RegionName string  `json:"regionName"`
	Country    string  `json:"country"`
	Query      string  `json:"query"`
}

// Resolve looks up the address, consulting the cache first. Private addresses
// return an unknown location immediately.
func (r *IPAPIResolver) Resolve(ctx context.Context, ip string) (*models.Geolocation, error) {
	normalized := NormalizeIPAddress(ip)
	if IsPrivateIP(normalized) {
		metrics.GeoLookups.WithLabelValues("private").Inc()
		return unknownLocation(normalized), nil
	}

	if loc, ok := r.cache.get(normalized); ok {
		metrics.GeoLookups.WithLabelValues("hit").Inc()
		return loc, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, faults.Wrap(faults.Transient, err)
	}

	loc, err := r.lookup(ctx, normalized)
	if err != nil {
		metrics.GeoLookups.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("ip", normalized).Msg("Geolocation lookup failed")
		return nil, err
	}

	metrics.GeoLookups.WithLabelValues("miss").Inc()
	r.cache.put(normalized, loc)
	return loc, nil
}

func (r *IPAPIResolver) lookup(ctx context.Context, ip string) (*models.Geolocation, error) {
	url := fmt.Sprintf("%s/%s?fields=status,message,lat,lon,city,regionName,country,query", r.baseURL, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, faults.Permanentf("building geolocation request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, faults.Transientf("geolocation rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Transientf("geolocation returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, faults.Wrap(faults.Transient, err)
	}

	var parsed ipapiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, faults.Permanentf("decoding geolocation response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, faults.Permanentf("geolocation failed for %s: %s", ip, parsed.Message)
	}

	return &models.Geolocation{
		IPAddress:  ip,
		Latitude:   parsed.Lat,
		Longitude:  parsed.Lon,
		City:       parsed.City,
		Region:     parsed.RegionName,
		Country:    parsed.Country,
		ResolvedAt: time.Now().UTC(),
	}, nil
}
