// Package geocode resolves coordinates to human readable addresses.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/logger"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// Geocoder reverse-geocodes a coordinate. Failures wrap
// types.ErrGeocodeUnavailable.
type Geocoder interface {
	Reverse(ctx context.Context, pos types.Coordinate) (string, error)
}

// Nominatim queries a Nominatim compatible /reverse endpoint
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewNominatim creates a geocoder for the service at baseURL
func NewNominatim(baseURL string) *Nominatim {
	return &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "fleet-tracker/1.0",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Reverse returns the display name of pos
func (n *Nominatim) Reverse(ctx context.Context, pos types.Coordinate) (string, error) {
	if !pos.Valid() {
		return "", fmt.Errorf("%w: invalid coordinate", types.ErrGeocodeUnavailable)
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(pos.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(pos.Lng, 'f', -1, 64))
	endpoint := n.baseURL + "/reverse?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrGeocodeUnavailable, err)
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrGeocodeUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", types.ErrGeocodeUnavailable, resp.StatusCode)
	}

	var body reverseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrGeocodeUnavailable, err)
	}
	if body.Error != "" || body.DisplayName == "" {
		return "", fmt.Errorf("%w: no address for %.5f,%.5f", types.ErrGeocodeUnavailable, pos.Lat, pos.Lng)
	}
	return body.DisplayName, nil
}

// AddressCache stores resolved addresses
type AddressCache interface {
	GetAddress(ctx context.Context, pos types.Coordinate) (string, bool, error)
	SetAddress(ctx context.Context, pos types.Coordinate, address string) error
}

// Cached serves lookups from an AddressCache before asking the upstream
// geocoder. Cache errors are logged and never fail a lookup.
type Cached struct {
	upstream Geocoder
	cache    AddressCache
	log      *slog.Logger
}

// NewCached wraps upstream with cache
func NewCached(upstream Geocoder, cache AddressCache, log *slog.Logger) *Cached {
	if log == nil {
		log = logger.Discard()
	}
	return &Cached{upstream: upstream, cache: cache, log: log}
}

// Reverse returns the cached address of pos or resolves and caches it
func (c *Cached) Reverse(ctx context.Context, pos types.Coordinate) (string, error) {
	addr, ok, err := c.cache.GetAddress(ctx, pos)
	if err != nil {
		c.log.Warn("address cache read failed", slog.Any("error", err))
	} else if ok {
		return addr, nil
	}

	addr, err = c.upstream.Reverse(ctx, pos)
	if err != nil {
		return "", err
	}

	if err := c.cache.SetAddress(ctx, pos, addr); err != nil {
		c.log.Warn("address cache write failed", slog.Any("error", err))
	}
	return addr, nil
}

// Unavailable is a geocoder that never resolves anything
type Unavailable struct{}

// Reverse always fails with types.ErrGeocodeUnavailable
func (Unavailable) Reverse(context.Context, types.Coordinate) (string, error) {
	return "", types.ErrGeocodeUnavailable
}
