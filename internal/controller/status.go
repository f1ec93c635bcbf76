package controller

import (
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// AddressPlaceholder is shown when no address could be resolved
const AddressPlaceholder = "Address unavailable"

// Phase of a tracking view
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseMounting
	PhaseTracking
	PhaseTeardown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseMounting:
		return "MOUNTING"
	case PhaseTracking:
		return "TRACKING"
	case PhaseTeardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the phase name
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Status is the non-map view of the current tracking context. SurfaceError
// is the placeholder text shown instead of the map.
type Status struct {
	Context         types.TrackingContext `json:"context"`
	Generation      uint64                `json:"generation"`
	Phase           Phase                 `json:"phase"`
	Connection      string                `json:"connection"`
	ConnectionError string                `json:"connection_error,omitempty"`
	SnapshotStale   bool                  `json:"snapshot_stale"`
	PollStale       bool                  `json:"poll_stale"`
	Polling         bool                  `json:"polling"`
	SurfaceReady    bool                  `json:"surface_ready"`
	SurfaceError    string                `json:"surface_error,omitempty"`
	Following       bool                  `json:"following"`
	FocusedVehicle  string                `json:"focused_vehicle,omitempty"`
	Latest          *types.PositionSample `json:"latest,omitempty"`
	Address         string                `json:"address,omitempty"`
	AddressUnknown  bool                  `json:"address_unknown"`
	SessionActive   bool                  `json:"session_active"`
	ActiveSessions  int                   `json:"active_sessions"`
	PathPoints      int                   `json:"path_points"`
	Render          types.RenderState     `json:"render"`
}

func idleStatus() Status {
	return Status{
		Phase:      PhaseIdle,
		Connection: types.StateClosed.String(),
		Render:     types.RenderState{Markers: []types.Marker{}, Path: []types.Coordinate{}},
	}
}
