// Package api fetches vehicle status snapshots from the tracking REST API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/types"
)

// maxBody bounds a status response
const maxBody = 8 << 20

// Client fetches snapshot and poll results
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

type currentSession struct {
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	Angle     *float64  `json:"angle"`
	Speed     *float64  `json:"speed"`
	TripMeter *float64  `json:"tripMeter"`
	StartedAt time.Time `json:"startedAt"`
}

type recentTrip struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Distance  float64   `json:"distance"`
}

type vehicleStatus struct {
	VehicleID      string          `json:"vehicleId"`
	CurrentSession *currentSession `json:"currentSession"`
	RecentTrips    []recentTrip    `json:"recentTrips"`
}

type fleetStatus struct {
	Vehicles []vehicleStatus `json:"vehicles"`
}

// StatusURL returns the status endpoint of tc
func (c *Client) StatusURL(tc types.TrackingContext) string {
	id := url.PathEscape(tc.ID)
	if tc.Kind == types.ContextCompany {
		return fmt.Sprintf("%s/api/companies/%s/vehicles/status", c.baseURL, id)
	}
	return fmt.Sprintf("%s/api/vehicles/%s/status", c.baseURL, id)
}

// FetchSnapshot fetches the current status of tc. Every failure is a
// *types.TransportError.
func (c *Client) FetchSnapshot(ctx context.Context, tc types.TrackingContext) (*types.Snapshot, error) {
	if err := tc.Validate(); err != nil {
		return nil, &types.TransportError{Op: "snapshot", Err: err}
	}

	body, err := c.get(ctx, c.StatusURL(tc))
	if err != nil {
		return nil, &types.TransportError{Op: "snapshot", Err: err}
	}

	var raw []vehicleStatus
	if tc.Kind == types.ContextCompany {
		var fleet fleetStatus
		if err := json.Unmarshal(body, &fleet); err != nil {
			return nil, &types.TransportError{Op: "snapshot", Err: fmt.Errorf("failed to decode fleet status: %w", err)}
		}
		raw = fleet.Vehicles
	} else {
		var vs vehicleStatus
		if err := json.Unmarshal(body, &vs); err != nil {
			return nil, &types.TransportError{Op: "snapshot", Err: fmt.Errorf("failed to decode vehicle status: %w", err)}
		}
		if vs.VehicleID == "" {
			vs.VehicleID = tc.ID
		}
		raw = []vehicleStatus{vs}
	}

	snap := &types.Snapshot{
		Vehicles:  make([]types.VehicleStatus, 0, len(raw)),
		FetchedAt: c.now(),
	}
	for _, vs := range raw {
		if vs.VehicleID == "" {
			continue
		}
		snap.Vehicles = append(snap.Vehicles, normalize(vs))
	}
	return snap, nil
}

func normalize(vs vehicleStatus) types.VehicleStatus {
	out := types.VehicleStatus{VehicleID: vs.VehicleID}
	if cs := vs.CurrentSession; cs != nil {
		cur := &types.CurrentSession{
			Angle:      cs.Angle,
			SpeedKph:   cs.Speed,
			TripMeterM: cs.TripMeter,
			StartedAt:  cs.StartedAt,
		}
		if cs.Lat != nil && cs.Lng != nil {
			cur.Position = &types.Coordinate{Lat: *cs.Lat, Lng: *cs.Lng}
		}
		out.Current = cur
	}
	for _, trip := range vs.RecentTrips {
		out.RecentTrips = append(out.RecentTrips, types.TripSummary{
			ID:        trip.ID,
			StartedAt: trip.StartedAt,
			EndedAt:   trip.EndedAt,
			DistanceM: trip.Distance,
		})
	}
	return out
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, endpoint)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}
