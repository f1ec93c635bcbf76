package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/mapsurface"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// MockSample creates a valid position sample for a sequence key
func MockSample(seq int64) types.PositionSample {
	return types.PositionSample{
		Coordinate:  types.Coordinate{Lat: 37.5 + float64(seq)*0.0001, Lng: 127.0 + float64(seq)*0.0001},
		SequenceKey: seq,
	}
}

// MockSamples creates samples for each key in order
func MockSamples(seqs ...int64) []types.PositionSample {
	out := make([]types.PositionSample, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, MockSample(s))
	}
	return out
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
		}
	}
}

// IsIntegrationTest returns true if integration tests are enabled
func IsIntegrationTest() bool {
	return true // This can be controlled by build tags
}

// FakeSDK is an in-memory map SDK. Mount fails for mount ids listed in
// Missing.
type FakeSDK struct {
	mu      sync.Mutex
	Missing map[string]bool
	Maps    map[string]*FakeMap
}

// Loader returns a mapsurface loader serving s
func (s *FakeSDK) Loader() *mapsurface.Loader {
	return mapsurface.NewLoader(func(ctx context.Context) (mapsurface.SDK, error) {
		return s, nil
	})
}

// NewFakeSDK creates an empty FakeSDK
func NewFakeSDK() *FakeSDK {
	return &FakeSDK{
		Missing: make(map[string]bool),
		Maps:    make(map[string]*FakeMap),
	}
}

// Mount creates a FakeMap for mountID
func (s *FakeSDK) Mount(ctx context.Context, mountID string, center types.Coordinate) (mapsurface.NativeMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Missing[mountID] {
		return nil, fmt.Errorf("no element %q", mountID)
	}
	m := &FakeMap{
		Center:  center,
		Markers: make(map[string]types.Marker),
	}
	s.Maps[mountID] = m
	return m, nil
}

// Map returns the map mounted at mountID
func (s *FakeSDK) Map(mountID string) *FakeMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Maps[mountID]
}

// FakeMap records what was drawn on it
type FakeMap struct {
	mu          sync.Mutex
	Center      types.Coordinate
	Markers     map[string]types.Marker
	Path        []types.Coordinate
	Destroyed   bool
	CenterCalls int
	UpsertCalls int
	RemoveCalls int
	Fail        error
	drag        func(types.Coordinate)
}

func (m *FakeMap) SetCenter(ctx context.Context, center types.Coordinate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Center = center
	m.CenterCalls++
	return nil
}

func (m *FakeMap) UpsertMarker(ctx context.Context, marker types.Marker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Markers[marker.ID] = marker
	m.UpsertCalls++
	return nil
}

func (m *FakeMap) RemoveMarker(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	delete(m.Markers, id)
	m.RemoveCalls++
	return nil
}

func (m *FakeMap) SetPolyline(ctx context.Context, path []types.Coordinate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Path = append([]types.Coordinate(nil), path...)
	return nil
}

func (m *FakeMap) ClearPolyline(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Path = nil
	return nil
}

func (m *FakeMap) OnDrag(fn func(types.Coordinate)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drag = fn
	return func() {
		m.mu.Lock()
		m.drag = nil
		m.mu.Unlock()
	}
}

func (m *FakeMap) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Destroyed = true
	return nil
}

// Drag simulates the user dragging the map to center. It returns false
// when no listener is registered.
func (m *FakeMap) Drag(center types.Coordinate) bool {
	m.mu.Lock()
	fn := m.drag
	m.Center = center
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(center)
	return true
}

// Snapshot returns copies of the drawn state
func (m *FakeMap) Snapshot() (center types.Coordinate, markers map[string]types.Marker, path []types.Coordinate, centerCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	markers = make(map[string]types.Marker, len(m.Markers))
	for k, v := range m.Markers {
		markers[k] = v
	}
	return m.Center, markers, append([]types.Coordinate(nil), m.Path...), m.CenterCalls
}

// IsDestroyed reports whether Destroy was called
func (m *FakeMap) IsDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Destroyed
}
