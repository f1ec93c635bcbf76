package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/mapsurface"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// Frame types published on the frames channel
const (
	FrameMount     = "mount"
	FrameCenter    = "center"
	FrameMarker    = "marker"
	FrameRemove    = "remove"
	FramePath      = "path"
	FrameClearPath = "clear-path"
	FrameDestroy   = "destroy"
)

// Frame is one change notification of a mounted map
type Frame struct {
	Type   string             `json:"type"`
	Center *types.Coordinate  `json:"center,omitempty"`
	Marker *types.Marker      `json:"marker,omitempty"`
	ID     string             `json:"id,omitempty"`
	Path   []types.Coordinate `json:"path,omitempty"`
}

// MapState is the persisted content of a mounted map
type MapState struct {
	Center  *types.Coordinate
	Markers map[string]types.Marker
	Path    []types.Coordinate
}

func centerKey(mount string) string  { return "map:" + mount + ":center" }
func markersKey(mount string) string { return "map:" + mount + ":markers" }
func pathKey(mount string) string    { return "map:" + mount + ":path" }

// FramesChannel is where changes of mount are published
func FramesChannel(mount string) string { return "map:" + mount + ":frames" }

// PanChannel is where the front end reports user drags of mount
func PanChannel(mount string) string { return "map:" + mount + ":pan" }

// SurfaceLoader returns a map SDK loader that connects to addr on first use
func SurfaceLoader(addr string) *mapsurface.Loader {
	return mapsurface.NewLoader(func(ctx context.Context) (mapsurface.SDK, error) {
		c, err := New(ctx, addr)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Mount implements mapsurface.SDK: the map state lives under
// map:{mount}:* and every change is announced on the frames channel
func (c *Client) Mount(ctx context.Context, mountID string, center types.Coordinate) (mapsurface.NativeMap, error) {
	if err := c.client.Del(ctx, markersKey(mountID), pathKey(mountID)).Err(); err != nil {
		return nil, fmt.Errorf("failed to reset map %s: %w", mountID, err)
	}
	m := &surfaceMap{c: c, mount: mountID}
	if err := m.writeCenter(ctx, center); err != nil {
		return nil, err
	}
	if err := m.publish(ctx, Frame{Type: FrameMount, Center: &center}); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadMapState reads back what is drawn on mount
func (c *Client) LoadMapState(ctx context.Context, mount string) (*MapState, error) {
	state := &MapState{Markers: make(map[string]types.Marker)}

	var center types.Coordinate
	ok, err := c.getData(ctx, centerKey(mount), &center, "center")
	if err != nil {
		return nil, err
	}
	if ok {
		state.Center = &center
	}

	if _, err := c.getData(ctx, pathKey(mount), &state.Path, "path"); err != nil {
		return nil, err
	}

	raw, err := c.client.HGetAll(ctx, markersKey(mount)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get markers: %w", err)
	}
	for id, v := range raw {
		var m types.Marker
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal marker %s: %w", id, err)
		}
		state.Markers[id] = m
	}
	return state, nil
}

type surfaceMap struct {
	c     *Client
	mount string
}

func (m *surfaceMap) publish(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := m.c.client.Publish(ctx, FramesChannel(m.mount), data).Err(); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

func (m *surfaceMap) writeCenter(ctx context.Context, center types.Coordinate) error {
	data, err := json.Marshal(center)
	if err != nil {
		return err
	}
	if err := m.c.client.Set(ctx, centerKey(m.mount), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store center: %w", err)
	}
	return nil
}

func (m *surfaceMap) SetCenter(ctx context.Context, center types.Coordinate) error {
	if err := m.writeCenter(ctx, center); err != nil {
		return err
	}
	return m.publish(ctx, Frame{Type: FrameCenter, Center: &center})
}

func (m *surfaceMap) UpsertMarker(ctx context.Context, marker types.Marker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	if err := m.c.client.HSet(ctx, markersKey(m.mount), marker.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store marker: %w", err)
	}
	return m.publish(ctx, Frame{Type: FrameMarker, Marker: &marker})
}

func (m *surfaceMap) RemoveMarker(ctx context.Context, id string) error {
	if err := m.c.client.HDel(ctx, markersKey(m.mount), id).Err(); err != nil {
		return fmt.Errorf("failed to remove marker: %w", err)
	}
	return m.publish(ctx, Frame{Type: FrameRemove, ID: id})
}

func (m *surfaceMap) SetPolyline(ctx context.Context, path []types.Coordinate) error {
	data, err := json.Marshal(path)
	if err != nil {
		return err
	}
	if err := m.c.client.Set(ctx, pathKey(m.mount), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store path: %w", err)
	}
	return m.publish(ctx, Frame{Type: FramePath, Path: path})
}

func (m *surfaceMap) ClearPolyline(ctx context.Context) error {
	if err := m.c.client.Del(ctx, pathKey(m.mount)).Err(); err != nil {
		return fmt.Errorf("failed to clear path: %w", err)
	}
	return m.publish(ctx, Frame{Type: FrameClearPath})
}

// OnDrag subscribes to the pan channel. The returned function closes the
// subscription without waiting for the reader to exit.
func (m *surfaceMap) OnDrag(fn func(center types.Coordinate)) func() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := m.c.client.Subscribe(context.Background(), PanChannel(m.mount))
	// wait for the subscription to be active so no pan is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return func() {}
	}

	var once sync.Once
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var c types.Coordinate
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil || !c.Valid() {
				continue
			}
			fn(c)
		}
	}()
	return func() {
		once.Do(func() { _ = ps.Close() })
	}
}

func (m *surfaceMap) Destroy(ctx context.Context) error {
	if err := m.c.client.Del(ctx, centerKey(m.mount), markersKey(m.mount), pathKey(m.mount)).Err(); err != nil {
		return fmt.Errorf("failed to destroy map %s: %w", m.mount, err)
	}
	return m.publish(ctx, Frame{Type: FrameDestroy})
}
