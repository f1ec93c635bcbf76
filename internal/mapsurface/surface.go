// Package mapsurface binds tracking output to a map SDK. The SDK is a
// capability: mount a map at a center, upsert and remove markers, draw a
// polyline, recenter, report user drags, and destroy.
package mapsurface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/saviobatista/fleet-tracker/internal/types"
)

// CenterEpsilon is the distance in degrees under which a recenter is skipped
const CenterEpsilon = 1e-7

var (
	// ErrMountNotFound means the mount target does not exist
	ErrMountNotFound = errors.New("mount target not found")
	// ErrDisposed is returned by calls on a disposed handle
	ErrDisposed = errors.New("map surface disposed")
)

// SDK mounts native maps
type SDK interface {
	Mount(ctx context.Context, mountID string, center types.Coordinate) (NativeMap, error)
}

// NativeMap is one mounted map instance of the SDK
type NativeMap interface {
	SetCenter(ctx context.Context, center types.Coordinate) error
	UpsertMarker(ctx context.Context, marker types.Marker) error
	RemoveMarker(ctx context.Context, id string) error
	SetPolyline(ctx context.Context, path []types.Coordinate) error
	ClearPolyline(ctx context.Context) error
	// OnDrag registers a drag listener and returns its unregister function
	OnDrag(fn func(center types.Coordinate)) (unregister func())
	Destroy(ctx context.Context) error
}

// Handle owns the native handles of one mounted map. It remembers what it
// drew so each render call only touches what changed.
type Handle struct {
	mu       sync.Mutex
	native   NativeMap
	mountID  string
	cmu      sync.Mutex
	center   types.Coordinate
	markers  map[string]types.Marker
	hasPath  bool
	unpan    func()
	disposed bool
}

// Initialize mounts a map at center using the shared SDK of loader
func Initialize(ctx context.Context, loader *Loader, mountID string, center types.Coordinate) (*Handle, error) {
	if mountID == "" {
		return nil, &types.SurfaceInitError{Err: ErrMountNotFound}
	}
	if !center.Valid() {
		return nil, &types.SurfaceInitError{Err: fmt.Errorf("invalid center %v", center)}
	}

	sdk, err := loader.Get(ctx)
	if err != nil {
		return nil, &types.SurfaceInitError{Err: err}
	}

	native, err := sdk.Mount(ctx, mountID, center)
	if err != nil {
		return nil, &types.SurfaceInitError{Err: fmt.Errorf("failed to mount %s: %w", mountID, err)}
	}

	return &Handle{
		native:  native,
		mountID: mountID,
		center:  center,
		markers: make(map[string]types.Marker),
	}, nil
}

// MountID returns the mount target of the handle
func (h *Handle) MountID() string { return h.mountID }

// Center returns the last center set on the map
func (h *Handle) Center() types.Coordinate {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	return h.center
}

// SetCenter pans the map; a center within CenterEpsilon of the current one
// is a no-op
func (h *Handle) SetCenter(ctx context.Context, center types.Coordinate) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}
	if !center.Valid() || center.Near(h.Center(), CenterEpsilon) {
		return nil
	}
	if err := h.native.SetCenter(ctx, center); err != nil {
		return fmt.Errorf("failed to set center: %w", err)
	}
	h.setCenter(center)
	return nil
}

// RenderMarkers replaces the marker layer with markers. Markers missing
// from the list are removed, new or changed ones are upserted.
func (h *Handle) RenderMarkers(ctx context.Context, markers []types.Marker) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}

	next := make(map[string]types.Marker, len(markers))
	for _, m := range markers {
		if m.ID == "" || !m.Coordinate.Valid() {
			continue
		}
		next[m.ID] = m
	}

	for id := range h.markers {
		if _, keep := next[id]; keep {
			continue
		}
		if err := h.native.RemoveMarker(ctx, id); err != nil {
			return fmt.Errorf("failed to remove marker %s: %w", id, err)
		}
		delete(h.markers, id)
	}

	for id, m := range next {
		if prev, ok := h.markers[id]; ok && sameMarker(prev, m) {
			continue
		}
		if err := h.native.UpsertMarker(ctx, m); err != nil {
			return fmt.Errorf("failed to upsert marker %s: %w", id, err)
		}
		h.markers[id] = m
	}
	return nil
}

// RenderPath replaces the polyline; fewer than two points clears it
func (h *Handle) RenderPath(ctx context.Context, path []types.Coordinate) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}

	if len(path) < 2 {
		if !h.hasPath {
			return nil
		}
		if err := h.native.ClearPolyline(ctx); err != nil {
			return fmt.Errorf("failed to clear polyline: %w", err)
		}
		h.hasPath = false
		return nil
	}

	if err := h.native.SetPolyline(ctx, path); err != nil {
		return fmt.Errorf("failed to set polyline: %w", err)
	}
	h.hasPath = true
	return nil
}

// OnUserPan registers fn for user drags, replacing any earlier registration
func (h *Handle) OnUserPan(fn func(center types.Coordinate)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return
	}
	if h.unpan != nil {
		h.unpan()
		h.unpan = nil
	}
	if fn == nil {
		return
	}
	// drags only take cmu so a listener never waits on a render in progress
	h.unpan = h.native.OnDrag(func(center types.Coordinate) {
		h.setCenter(center)
		fn(center)
	})
}

func (h *Handle) setCenter(c types.Coordinate) {
	h.cmu.Lock()
	h.center = c
	h.cmu.Unlock()
}

// Dispose releases the listener, overlays and native map. Calling it again
// does nothing.
func (h *Handle) Dispose(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil
	}
	h.disposed = true

	if h.unpan != nil {
		h.unpan()
		h.unpan = nil
	}

	var errs []error
	for id := range h.markers {
		if err := h.native.RemoveMarker(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	h.markers = nil
	if h.hasPath {
		if err := h.native.ClearPolyline(ctx); err != nil {
			errs = append(errs, err)
		}
		h.hasPath = false
	}
	if err := h.native.Destroy(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func sameMarker(a, b types.Marker) bool {
	if a.Coordinate != b.Coordinate || a.IconRef != b.IconRef {
		return false
	}
	if (a.RotationDeg == nil) != (b.RotationDeg == nil) {
		return false
	}
	return a.RotationDeg == nil || *a.RotationDeg == *b.RotationDeg
}
