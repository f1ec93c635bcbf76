package types

import (
	"fmt"
	"math"
	"time"
)

// Coordinate is a WGS84 position
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is finite and within range
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Near reports whether c and o are within eps degrees on both axes
func (c Coordinate) Near(o Coordinate, eps float64) bool {
	return math.Abs(c.Lat-o.Lat) <= eps && math.Abs(c.Lng-o.Lng) <= eps
}

// PositionSample is one GPS fix of a vehicle. Samples are values and are
// never modified after decoding.
type PositionSample struct {
	Coordinate  Coordinate `json:"coordinate"`
	Angle       *float64   `json:"angle,omitempty"`
	SpeedKph    *float64   `json:"speed_kph,omitempty"`
	TripMeterM  *float64   `json:"trip_meter_m,omitempty"`
	SequenceKey int64      `json:"sequence_key"`
}

// ContextKind selects what a tracking view observes
type ContextKind int

const (
	ContextVehicle ContextKind = iota + 1
	ContextCompany
)

func (k ContextKind) String() string {
	switch k {
	case ContextVehicle:
		return "vehicle"
	case ContextCompany:
		return "company"
	default:
		return "unknown"
	}
}

// ParseContextKind parses "vehicle" or "company"
func ParseContextKind(s string) (ContextKind, error) {
	switch s {
	case "vehicle":
		return ContextVehicle, nil
	case "company":
		return ContextCompany, nil
	}
	return 0, fmt.Errorf("unknown context kind %q", s)
}

// MarshalText encodes the kind name
func (k ContextKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name
func (k *ContextKind) UnmarshalText(text []byte) error {
	parsed, err := ParseContextKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TrackingContext identifies a single vehicle or a company's whole fleet
type TrackingContext struct {
	Kind ContextKind `json:"kind"`
	ID   string      `json:"id"`
}

// VehicleContext tracks one vehicle
func VehicleContext(id string) TrackingContext {
	return TrackingContext{Kind: ContextVehicle, ID: id}
}

// CompanyContext tracks every vehicle of a company
func CompanyContext(id string) TrackingContext {
	return TrackingContext{Kind: ContextCompany, ID: id}
}

// IsZero reports whether no context is set
func (tc TrackingContext) IsZero() bool {
	return tc.Kind == 0 && tc.ID == ""
}

// Validate checks that the context is usable
func (tc TrackingContext) Validate() error {
	if tc.Kind != ContextVehicle && tc.Kind != ContextCompany {
		return fmt.Errorf("invalid tracking context kind %d", tc.Kind)
	}
	if tc.ID == "" {
		return fmt.Errorf("tracking context %s has no id", tc.Kind)
	}
	return nil
}

func (tc TrackingContext) String() string {
	return tc.Kind.String() + ":" + tc.ID
}

// DrivingSession is the reconciler's view of whether a vehicle is powered
// on and moving
type DrivingSession struct {
	ID                string          `json:"id"`
	VehicleID         string          `json:"vehicle_id"`
	Active            bool            `json:"active"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           time.Time       `json:"ended_at"`
	LastKnownPosition *PositionSample `json:"last_known_position,omitempty"`
	PointCount        int             `json:"point_count"`
}

// ConnectionState is the lifecycle of a push connection
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateError
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event names used on the push source
const (
	EventDeltaUpdate  = "delta-update"
	EventBacklogChunk = "backlog-chunk"
)

// Event is a decoded push event. The set of implementations is closed:
// DeltaUpdate and BacklogChunk.
type Event interface {
	event()
	Vehicle() string
	Batch() []PositionSample
}

// DeltaUpdate carries new samples of the active session
type DeltaUpdate struct {
	VehicleID string
	Samples   []PositionSample
}

// BacklogChunk carries historical samples for catch-up
type BacklogChunk struct {
	VehicleID string
	Samples   []PositionSample
}

func (DeltaUpdate) event() {}

// Vehicle returns the vehicle the samples belong to
func (d DeltaUpdate) Vehicle() string { return d.VehicleID }

// Batch returns the samples in receive order
func (d DeltaUpdate) Batch() []PositionSample { return d.Samples }

func (BacklogChunk) event() {}

// Vehicle returns the vehicle the samples belong to
func (b BacklogChunk) Vehicle() string { return b.VehicleID }

// Batch returns the samples in receive order
func (b BacklogChunk) Batch() []PositionSample { return b.Samples }

// CurrentSession is the "vehicle is driving" part of a status payload.
// Position is nil while the session has no fix yet.
type CurrentSession struct {
	Position   *Coordinate `json:"position,omitempty"`
	Angle      *float64    `json:"angle,omitempty"`
	SpeedKph   *float64    `json:"speed_kph,omitempty"`
	TripMeterM *float64    `json:"trip_meter_m,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
}

// TripSummary is a recent trip listed by the status endpoint
type TripSummary struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	DistanceM float64   `json:"distance_m"`
}

// VehicleStatus is one vehicle in a snapshot or poll result
type VehicleStatus struct {
	VehicleID   string          `json:"vehicle_id"`
	Current     *CurrentSession `json:"current,omitempty"`
	RecentTrips []TripSummary   `json:"recent_trips,omitempty"`
}

// Snapshot is a normalised snapshot/poll result for a tracking context
type Snapshot struct {
	Vehicles  []VehicleStatus `json:"vehicles"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Marker is a point on the map
type Marker struct {
	ID          string     `json:"id"`
	Coordinate  Coordinate `json:"coordinate"`
	IconRef     string     `json:"icon"`
	RotationDeg *float64   `json:"rotation,omitempty"`
}

// Marker icons
const (
	IconVehicleActive   = "vehicle-active"
	IconVehicleIdle     = "vehicle-idle"
	IconVehicleSelected = "vehicle-selected"
)

// RenderState is what the map surface should show
type RenderState struct {
	Center  *Coordinate  `json:"center,omitempty"`
	Markers []Marker     `json:"markers"`
	Path    []Coordinate `json:"path"`
}
