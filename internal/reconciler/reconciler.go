// Package reconciler merges the snapshot, poll and push sources of a
// tracking context into one view of each vehicle's driving session and
// accumulated path.
package reconciler

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// DefaultMaxPathPoints bounds the samples kept per vehicle path
const DefaultMaxPathPoints = 10000

// State of the reconciler
type State int

const (
	StateIdle State = iota
	StateSnapshotLoading
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSnapshotLoading:
		return "SNAPSHOT_LOADING"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrIdle is returned when ingesting without an active context
	ErrIdle = errors.New("reconciler is idle")
	// ErrUnexpectedState is returned for an ingest the current state does not allow
	ErrUnexpectedState = errors.New("unexpected reconciler state")
	// ErrForeignVehicle is returned for samples of a vehicle outside a vehicle context
	ErrForeignVehicle = errors.New("vehicle outside tracking context")
)

// IngestResult summarises what one ingest call changed. Moved counts
// vehicles repositioned from a status payload.
type IngestResult struct {
	Accepted   int
	Duplicates int
	Malformed  int
	Moved      int
	Started    []types.DrivingSession
	Ended      []types.DrivingSession
}

// Changed reports whether the ingest altered anything renderable
func (r IngestResult) Changed() bool {
	return r.Accepted > 0 || r.Moved > 0 || len(r.Started) > 0 || len(r.Ended) > 0
}

type track struct {
	session types.DrivingSession
	path    []types.PositionSample
	lastKey int64
	hasKey  bool
}

// Reconciler owns the tracked paths and driving sessions of one context.
// It is not safe for concurrent use; the controller serialises all calls.
type Reconciler struct {
	tc      types.TrackingContext
	state   State
	tracks  map[string]*track
	focus   string
	maxPath int
	now     func() time.Time
	newID   func() string
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithMaxPathPoints bounds each vehicle path
func WithMaxPathPoints(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxPath = n
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates an idle reconciler
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		tracks:  make(map[string]*track),
		maxPath: DefaultMaxPathPoints,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state
func (r *Reconciler) State() State { return r.state }

// Context returns the active tracking context
func (r *Reconciler) Context() types.TrackingContext { return r.tc }

// Begin activates a context and waits for its snapshot
func (r *Reconciler) Begin(tc types.TrackingContext) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	r.Reset()
	r.tc = tc
	r.state = StateSnapshotLoading
	if tc.Kind == types.ContextVehicle {
		r.focus = tc.ID
	}
	return nil
}

// Reset discards all state and returns to idle
func (r *Reconciler) Reset() {
	r.tc = types.TrackingContext{}
	r.state = StateIdle
	r.tracks = make(map[string]*track)
	r.focus = ""
}

// Ingest routes a decoded push event
func (r *Reconciler) Ingest(ev types.Event) (IngestResult, error) {
	switch e := ev.(type) {
	case types.DeltaUpdate:
		return r.IngestDelta(e.VehicleID, e.Samples)
	case types.BacklogChunk:
		return r.IngestBacklogChunk(e.VehicleID, e.Samples)
	default:
		return IngestResult{}, fmt.Errorf("unsupported event %T", ev)
	}
}

// IngestSnapshot applies the initial fetch of a context. Session activity
// follows the presence of a current session; the path is never seeded.
func (r *Reconciler) IngestSnapshot(snap *types.Snapshot) (IngestResult, error) {
	var res IngestResult
	if r.state != StateSnapshotLoading {
		return res, fmt.Errorf("%w: snapshot in %s", ErrUnexpectedState, r.state)
	}

	for _, vs := range snap.Vehicles {
		id, ok := r.statusVehicle(vs)
		if !ok {
			continue
		}
		t := r.track(id)
		if vs.Current == nil {
			// deltas that arrived while loading already proved the vehicle is driving
			continue
		}
		if !t.session.Active {
			res.Started = append(res.Started, r.start(t, id, vs.Current.StartedAt))
		}
		if !t.hasKey {
			r.seedFromStatus(t, vs.Current, &res)
		}
	}

	r.state = StateActive
	return res, nil
}

// IngestPoll reconciles session transitions reported by a periodic poll
func (r *Reconciler) IngestPoll(snap *types.Snapshot) (IngestResult, error) {
	var res IngestResult
	switch r.state {
	case StateIdle:
		return res, ErrIdle
	case StateSnapshotLoading:
		return res, fmt.Errorf("%w: poll in %s", ErrUnexpectedState, r.state)
	}

	for _, vs := range snap.Vehicles {
		id, ok := r.statusVehicle(vs)
		if !ok {
			continue
		}
		t := r.track(id)
		switch {
		case vs.Current == nil && t.session.Active:
			res.Ended = append(res.Ended, r.end(t))
		case vs.Current != nil && !t.session.Active:
			res.Started = append(res.Started, r.start(t, id, vs.Current.StartedAt))
			r.seedFromStatus(t, vs.Current, &res)
		case vs.Current != nil && !t.hasKey:
			// no stream samples yet, the poll is the freshest position
			r.seedFromStatus(t, vs.Current, &res)
		}
	}
	return res, nil
}

// IngestDelta appends live samples. A sample whose key does not exceed the
// last accepted key of the session is dropped as an ordering violation.
func (r *Reconciler) IngestDelta(vehicleID string, samples []types.PositionSample) (IngestResult, error) {
	var res IngestResult
	t, err := r.pushTrack(vehicleID)
	if err != nil {
		return res, err
	}

	for _, s := range samples {
		if !s.Coordinate.Valid() {
			res.Malformed++
			continue
		}
		if t.hasKey && s.SequenceKey <= t.lastKey {
			res.Duplicates++
			continue
		}
		if !t.session.Active {
			res.Started = append(res.Started, r.start(t, vehicleID, time.Time{}))
		}
		t.path = append(t.path, s)
		r.advance(t, s)
		res.Accepted++
	}
	r.trim(t)
	return res, nil
}

// IngestBacklogChunk inserts historical samples in key order. Keys must
// strictly increase within the chunk and may not repeat a key already on
// the path.
func (r *Reconciler) IngestBacklogChunk(vehicleID string, samples []types.PositionSample) (IngestResult, error) {
	var res IngestResult
	t, err := r.pushTrack(vehicleID)
	if err != nil {
		return res, err
	}

	var chunkLast int64
	chunkHasKey := false
	for _, s := range samples {
		if !s.Coordinate.Valid() {
			res.Malformed++
			continue
		}
		if chunkHasKey && s.SequenceKey <= chunkLast {
			res.Duplicates++
			continue
		}
		chunkLast, chunkHasKey = s.SequenceKey, true

		i := sort.Search(len(t.path), func(i int) bool { return t.path[i].SequenceKey >= s.SequenceKey })
		if i < len(t.path) && t.path[i].SequenceKey == s.SequenceKey {
			res.Duplicates++
			continue
		}
		if !t.session.Active {
			res.Started = append(res.Started, r.start(t, vehicleID, time.Time{}))
		}
		t.path = append(t.path, types.PositionSample{})
		copy(t.path[i+1:], t.path[i:])
		t.path[i] = s
		if !t.hasKey || s.SequenceKey > t.lastKey {
			r.advance(t, s)
		} else {
			t.session.PointCount++
		}
		res.Accepted++
	}
	r.trim(t)
	return res, nil
}

// Focus selects the vehicle whose path is rendered and followed. In a
// vehicle context the focus is always the tracked vehicle.
func (r *Reconciler) Focus(vehicleID string) {
	if r.tc.Kind == types.ContextVehicle {
		return
	}
	r.focus = vehicleID
}

// Focused returns the focused vehicle, or "" when none is selected
func (r *Reconciler) Focused() string { return r.focus }

// Session returns the driving session of a vehicle
func (r *Reconciler) Session(vehicleID string) (types.DrivingSession, bool) {
	t, ok := r.tracks[vehicleID]
	if !ok {
		return types.DrivingSession{}, false
	}
	return t.session, true
}

// Path returns a copy of a vehicle's tracked path
func (r *Reconciler) Path(vehicleID string) []types.PositionSample {
	t, ok := r.tracks[vehicleID]
	if !ok {
		return nil
	}
	out := make([]types.PositionSample, len(t.path))
	copy(out, t.path)
	return out
}

// Latest returns the last known position of the focused vehicle
func (r *Reconciler) Latest() *types.PositionSample {
	t, ok := r.tracks[r.focus]
	if !ok || t.session.LastKnownPosition == nil {
		return nil
	}
	s := *t.session.LastKnownPosition
	return &s
}

// ActiveSessions counts vehicles currently in a driving session
func (r *Reconciler) ActiveSessions() int {
	n := 0
	for _, t := range r.tracks {
		if t.session.Active {
			n++
		}
	}
	return n
}

// RenderState projects the current state into markers, the focused path
// and the center to follow
func (r *Reconciler) RenderState() types.RenderState {
	ids := make([]string, 0, len(r.tracks))
	for id := range r.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rs := types.RenderState{
		Markers: make([]types.Marker, 0, len(ids)),
		Path:    []types.Coordinate{},
	}
	for _, id := range ids {
		t := r.tracks[id]
		pos := t.session.LastKnownPosition
		if pos == nil {
			continue
		}
		icon := types.IconVehicleIdle
		if t.session.Active {
			icon = types.IconVehicleActive
		}
		if r.tc.Kind == types.ContextCompany && id == r.focus {
			icon = types.IconVehicleSelected
		}
		rs.Markers = append(rs.Markers, types.Marker{
			ID:          id,
			Coordinate:  pos.Coordinate,
			IconRef:     icon,
			RotationDeg: pos.Angle,
		})
	}

	if t, ok := r.tracks[r.focus]; ok {
		for _, s := range t.path {
			rs.Path = append(rs.Path, s.Coordinate)
		}
		if t.session.LastKnownPosition != nil {
			c := t.session.LastKnownPosition.Coordinate
			rs.Center = &c
		}
	}
	return rs
}

func (r *Reconciler) statusVehicle(vs types.VehicleStatus) (string, bool) {
	if r.tc.Kind == types.ContextVehicle {
		if vs.VehicleID != "" && vs.VehicleID != r.tc.ID {
			return "", false
		}
		return r.tc.ID, true
	}
	return vs.VehicleID, vs.VehicleID != ""
}

func (r *Reconciler) pushTrack(vehicleID string) (*track, error) {
	if r.state == StateIdle {
		return nil, ErrIdle
	}
	if r.tc.Kind == types.ContextVehicle && vehicleID != r.tc.ID {
		return nil, fmt.Errorf("%w: %s", ErrForeignVehicle, vehicleID)
	}
	if vehicleID == "" {
		return nil, fmt.Errorf("%w: empty vehicle id", ErrForeignVehicle)
	}
	return r.track(vehicleID), nil
}

func (r *Reconciler) track(vehicleID string) *track {
	t, ok := r.tracks[vehicleID]
	if !ok {
		t = &track{session: types.DrivingSession{VehicleID: vehicleID}}
		r.tracks[vehicleID] = t
	}
	return t
}

func (r *Reconciler) start(t *track, vehicleID string, startedAt time.Time) types.DrivingSession {
	if startedAt.IsZero() {
		startedAt = r.now()
	}
	t.session = types.DrivingSession{
		ID:                r.newID(),
		VehicleID:         vehicleID,
		Active:            true,
		StartedAt:         startedAt,
		LastKnownPosition: t.session.LastKnownPosition,
	}
	return t.session
}

func (r *Reconciler) end(t *track) types.DrivingSession {
	ended := t.session
	ended.Active = false
	ended.EndedAt = r.now()

	// the vehicle stays on the map as parked; only its path goes
	t.session = types.DrivingSession{
		VehicleID:         ended.VehicleID,
		LastKnownPosition: ended.LastKnownPosition,
	}
	t.path = nil
	t.lastKey = 0
	t.hasKey = false
	return ended
}

func (r *Reconciler) advance(t *track, s types.PositionSample) {
	t.lastKey = s.SequenceKey
	t.hasKey = true
	latest := s
	t.session.LastKnownPosition = &latest
	t.session.PointCount++
}

func (r *Reconciler) seedFromStatus(t *track, cur *types.CurrentSession, res *IngestResult) {
	if cur.Position == nil {
		return
	}
	if !cur.Position.Valid() {
		res.Malformed++
		return
	}
	if prev := t.session.LastKnownPosition; prev != nil && prev.Coordinate == *cur.Position {
		return
	}
	res.Moved++
	t.session.LastKnownPosition = &types.PositionSample{
		Coordinate:  *cur.Position,
		Angle:       cur.Angle,
		SpeedKph:    cur.SpeedKph,
		TripMeterM:  cur.TripMeterM,
		SequenceKey: t.lastKey,
	}
}

func (r *Reconciler) trim(t *track) {
	if len(t.path) <= r.maxPath {
		return
	}
	n := copy(t.path, t.path[len(t.path)-r.maxPath:])
	clear(t.path[n:])
	t.path = t.path[:n]
}
