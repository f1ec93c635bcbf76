package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/stats"
	"github.com/saviobatista/fleet-tracker/internal/stream"
	"github.com/saviobatista/fleet-tracker/internal/testutils"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

const waitTimeout = 2 * time.Second

// fakeTransport hands out one connection per Connect call
type fakeTransport struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
}

type fakeConn struct {
	mu      sync.Mutex
	handler stream.TransportHandler
	closed  bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (f *fakeTransport) Connect(ctx context.Context, tc types.TrackingContext, token string, h stream.TransportHandler) (stream.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConn{handler: h}
	f.conns[tc.String()] = append(f.conns[tc.String()], conn)
	return conn, nil
}

func (f *fakeTransport) count(tc types.TrackingContext) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[tc.String()])
}

func (f *fakeTransport) last(tc types.TrackingContext) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[tc.String()]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// fakeSnapshots serves status results per context
type fakeSnapshots struct {
	mu    sync.Mutex
	resp  map[string]func() (*types.Snapshot, error)
	gates map[string]chan struct{}
	calls map[string]int
}

func (f *fakeSnapshots) set(tc types.TrackingContext, fn func() (*types.Snapshot, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp[tc.String()] = fn
}

// setBlocking serves fn once gate is closed
func (f *fakeSnapshots) setBlocking(tc types.TrackingContext, gate chan struct{}, fn func() (*types.Snapshot, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp[tc.String()] = fn
	f.gates[tc.String()] = gate
}

func (f *fakeSnapshots) FetchSnapshot(ctx context.Context, tc types.TrackingContext) (*types.Snapshot, error) {
	f.mu.Lock()
	fn := f.resp[tc.String()]
	gate := f.gates[tc.String()]
	f.calls[tc.String()]++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn == nil {
		return &types.Snapshot{}, nil
	}
	return fn()
}

func (f *fakeSnapshots) callCount(tc types.TrackingContext) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tc.String()]
}

// fakeGeocoder answers from a table; a gate blocks a lookup until closed
type fakeGeocoder struct {
	mu    sync.Mutex
	addrs map[types.Coordinate]string
	gates map[types.Coordinate]chan struct{}
}

func (g *fakeGeocoder) Reverse(ctx context.Context, pos types.Coordinate) (string, error) {
	g.mu.Lock()
	gate := g.gates[pos]
	addr, ok := g.addrs[pos]
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ok {
		return "", types.ErrGeocodeUnavailable
	}
	return addr, nil
}

type fakeJournal struct {
	mu       sync.Mutex
	sessions []types.DrivingSession
}

func (j *fakeJournal) RecordSession(ctx context.Context, tc types.TrackingContext, s types.DrivingSession) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessions = append(j.sessions, s)
	return nil
}

func (j *fakeJournal) ended() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, s := range j.sessions {
		if !s.EndedAt.IsZero() {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	ctrl      *Controller
	transport *fakeTransport
	snaps     *fakeSnapshots
	sdk       *testutils.FakeSDK
	geo       *fakeGeocoder
	journal   *fakeJournal
	stats     *stats.Stats
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: &fakeTransport{conns: make(map[string][]*fakeConn)},
		snaps: &fakeSnapshots{
			resp:  make(map[string]func() (*types.Snapshot, error)),
			gates: make(map[string]chan struct{}),
			calls: make(map[string]int),
		},
		sdk: testutils.NewFakeSDK(),
		geo: &fakeGeocoder{
			addrs: make(map[types.Coordinate]string),
			gates: make(map[types.Coordinate]chan struct{}),
		},
		journal: &fakeJournal{},
		stats:   stats.New(),
	}
	h.ctrl = New(Config{
		MountID:           "map",
		DefaultCenter:     types.Coordinate{Lat: 37, Lng: 127},
		PollInterval:      20 * time.Millisecond,
		FleetPollInterval: 20 * time.Millisecond,
	}, Deps{
		Stream:    stream.New(h.transport, stream.StaticToken("tok"), stream.WithStats(h.stats)),
		Snapshots: h.snaps,
		Geocoder:  h.geo,
		Surfaces:  h.sdk.Loader(),
		Journal:   h.journal,
		Stats:     h.stats,
	})
	h.start()
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) mount(tc types.TrackingContext) {
	h.t.Helper()
	if err := h.ctrl.Mount(context.Background(), tc); err != nil {
		h.t.Fatalf("Mount(%s) error = %v", tc, err)
	}
	h.waitFor("stream connected", func() bool { return h.transport.count(tc) > 0 })
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	if err := testutils.WaitForCondition(cond, waitTimeout); err != nil {
		h.t.Fatalf("%s: %v (status %+v)", what, err, h.ctrl.Status())
	}
}

func (h *harness) waitStatus(what string, cond func(Status) bool) Status {
	h.t.Helper()
	h.waitFor(what, func() bool { return cond(h.ctrl.Status()) })
	return h.ctrl.Status()
}

func (h *harness) sync() Status {
	h.t.Helper()
	if err := h.ctrl.Sync(context.Background()); err != nil {
		h.t.Fatalf("Sync() error = %v", err)
	}
	return h.ctrl.Status()
}

// emit pushes a raw event on the newest connection of tc and waits until
// the loop has handled it
func (h *harness) emit(tc types.TrackingContext, event, payload string) Status {
	h.t.Helper()
	conn := h.transport.last(tc)
	if conn == nil {
		h.t.Fatalf("no connection for %s", tc)
	}
	conn.handler.OnMessage(event, []byte(payload))
	return h.sync()
}

func samples(seqs ...int64) string {
	out := "["
	for i, s := range seqs {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"seq":%d,"lat":%f,"lng":%f}`, s, 37+float64(s)/1000, 127+float64(s)/1000)
	}
	return out + "]"
}

func active(id string, lat, lng float64) types.VehicleStatus {
	return types.VehicleStatus{
		VehicleID: id,
		Current:   &types.CurrentSession{Position: &types.Coordinate{Lat: lat, Lng: lng}, StartedAt: time.Now()},
	}
}

func idle(id string) types.VehicleStatus {
	return types.VehicleStatus{VehicleID: id}
}

func snapshot(vs ...types.VehicleStatus) func() (*types.Snapshot, error) {
	return func() (*types.Snapshot, error) {
		return &types.Snapshot{Vehicles: vs, FetchedAt: time.Now()}, nil
	}
}

func TestMountVehicleTracksDeltas(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	h.snaps.set(tc, snapshot(idle("v-1")))

	h.mount(tc)
	h.waitStatus("tracking", func(s Status) bool { return s.Phase == PhaseTracking && s.SurfaceReady })

	st := h.emit(tc, types.EventDeltaUpdate, samples(1, 2))
	if st.PathPoints != 2 || !st.SessionActive {
		t.Fatalf("Expected active session with 2 points, got %+v", st)
	}
	if st.Connection != types.StateOpen.String() {
		t.Errorf("Expected OPEN connection, got %s", st.Connection)
	}

	center, markers, path, _ := h.sdk.Map("map").Snapshot()
	if len(path) != 2 {
		t.Errorf("Expected polyline of 2 points, got %d", len(path))
	}
	if m, ok := markers["v-1"]; !ok || m.IconRef != types.IconVehicleActive {
		t.Errorf("Expected active marker for v-1, got %+v", markers)
	}
	if want := (types.Coordinate{Lat: 37.002, Lng: 127.002}); !center.Near(want, 1e-9) {
		t.Errorf("Expected map to follow latest position, got %v", center)
	}
	if got := h.stats.GetStats()["samples_accepted"].(uint64); got != 2 {
		t.Errorf("Expected 2 accepted samples, got %d", got)
	}
}

func TestDeltaOrderingAndIdempotence(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	h.mount(tc)
	h.waitStatus("tracking", func(s Status) bool { return s.Phase == PhaseTracking })

	h.emit(tc, types.EventDeltaUpdate, samples(3))
	h.emit(tc, types.EventDeltaUpdate, samples(1))
	st := h.emit(tc, types.EventDeltaUpdate, samples(5))
	if st.PathPoints != 2 {
		t.Fatalf("Expected [3,5], got %d points", st.PathPoints)
	}

	h.emit(tc, types.EventDeltaUpdate, samples(10, 11))
	st = h.emit(tc, types.EventDeltaUpdate, samples(10, 11))
	if st.PathPoints != 4 {
		t.Errorf("Expected duplicate batch to be ignored, got %d points", st.PathPoints)
	}
	if got := h.stats.GetStats()["ordering_violations"].(uint64); got != 3 {
		t.Errorf("Expected 3 ordering violations, got %d", got)
	}
}

func TestPollResetThenStreamRestartsSession(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	h.snaps.set(tc, snapshot(active("v-1", 37, 127)))

	h.mount(tc)
	h.waitStatus("tracking", func(s Status) bool { return s.Phase == PhaseTracking && s.SessionActive && s.Polling })

	st := h.emit(tc, types.EventDeltaUpdate, samples(1, 2, 3))
	if st.PathPoints != 3 {
		t.Fatalf("Expected 3 points, got %d", st.PathPoints)
	}

	// the vehicle powers off
	h.snaps.set(tc, snapshot(idle("v-1")))
	st = h.waitStatus("session reset", func(s Status) bool { return !s.SessionActive })
	if st.PathPoints != 0 {
		t.Errorf("Expected path cleared by poll, got %d", st.PathPoints)
	}
	h.waitStatus("polling stops", func(s Status) bool { return !s.Polling })
	h.waitFor("ended session journaled", func() bool { return h.journal.ended() == 1 })

	// a late delta proves the vehicle is driving again
	st = h.emit(tc, types.EventDeltaUpdate, samples(1))
	if st.PathPoints != 1 || !st.SessionActive {
		t.Errorf("Expected stream to restart the session, got %+v", st)
	}
	if !st.Polling {
		t.Error("Expected polling to resume with the new session")
	}
}

func TestPollMovesFleetMarkers(t *testing.T) {
	h := newHarness(t)
	tc := types.CompanyContext("c-1")
	first := types.Coordinate{Lat: 1, Lng: 1}
	second := types.Coordinate{Lat: 2, Lng: 2}
	h.geo.addrs[second] = "second street"
	h.snaps.set(tc, snapshot(active("v-1", first.Lat, first.Lng)))

	h.mount(tc)
	h.waitStatus("tracking", func(s Status) bool { return s.Phase == PhaseTracking && s.SurfaceReady })
	if err := h.ctrl.Select(context.Background(), "v-1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	fm := h.sdk.Map("map")
	if _, markers, _, _ := fm.Snapshot(); markers["v-1"].Coordinate != first {
		t.Fatalf("Expected marker at snapshot position, got %+v", markers["v-1"])
	}

	// the vehicle only reports through polls
	h.snaps.set(tc, snapshot(active("v-1", second.Lat, second.Lng)))
	h.waitFor("marker moved", func() bool {
		_, markers, _, _ := fm.Snapshot()
		return markers["v-1"].Coordinate == second
	})
	center, _, _, _ := fm.Snapshot()
	if !center.Near(second, 1e-9) {
		t.Errorf("Expected map to follow the polled position, got %v", center)
	}
	h.waitStatus("address", func(s Status) bool { return s.Address == "second street" })
}

func TestUserPanSuppressesFollow(t *testing.T) {
	h := newHarness(t)
	tc := types.CompanyContext("c-1")
	h.snaps.set(tc, snapshot(idle("v-1"), idle("v-2")))

	h.mount(tc)
	h.waitStatus("surface", func(s Status) bool { return s.Phase == PhaseTracking && s.SurfaceReady })
	if err := h.ctrl.Select(context.Background(), "v-1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	h.emit(tc, types.EventDeltaUpdate, `{"vehicleId":"v-1","samples":`+samples(1)+`}`)
	fm := h.sdk.Map("map")
	_, _, _, calls := fm.Snapshot()
	if calls != 1 {
		t.Fatalf("Expected one recenter, got %d", calls)
	}

	if !fm.Drag(types.Coordinate{Lat: 10, Lng: 10}) {
		t.Fatal("Expected a pan listener")
	}
	st := h.sync()
	if st.Following {
		t.Error("Expected follow to be suspended after pan")
	}

	h.emit(tc, types.EventDeltaUpdate, `{"vehicleId":"v-1","samples":`+samples(2)+`}`)
	h.emit(tc, types.EventDeltaUpdate, `{"vehicleId":"v-2","samples":`+samples(3)+`}`)
	if _, _, _, calls = fm.Snapshot(); calls != 1 {
		t.Errorf("Expected no recenter after pan, got %d calls", calls)
	}

	if err := h.ctrl.Select(context.Background(), "v-2"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	center, markers, _, calls := fm.Snapshot()
	if calls != 2 {
		t.Errorf("Expected select to recenter, got %d calls", calls)
	}
	if want := (types.Coordinate{Lat: 37.003, Lng: 127.003}); !center.Near(want, 1e-9) {
		t.Errorf("Expected center on v-2, got %v", center)
	}
	if markers["v-2"].IconRef != types.IconVehicleSelected {
		t.Errorf("Expected v-2 marked selected, got %+v", markers["v-2"])
	}
	if st := h.ctrl.Status(); !st.Following || st.FocusedVehicle != "v-2" {
		t.Errorf("Expected follow on v-2, got %+v", st)
	}
}

func TestContextIsolation(t *testing.T) {
	h := newHarness(t)
	a := types.CompanyContext("c-a")
	b := types.VehicleContext("v-b")

	release := make(chan struct{})
	h.snaps.setBlocking(a, release, func() (*types.Snapshot, error) {
		return &types.Snapshot{Vehicles: []types.VehicleStatus{active("v-a1", 1, 1), active("v-a2", 2, 2)}}, nil
	})
	h.snaps.set(b, snapshot(idle("v-b")))

	h.mount(a)
	h.waitStatus("surface a", func(s Status) bool { return s.SurfaceReady })
	mapA := h.sdk.Map("map")
	connA := h.transport.last(a)

	h.mount(b)
	if !connA.isClosed() {
		t.Error("Expected stream of the old context to be closed")
	}
	if !mapA.IsDestroyed() {
		t.Error("Expected surface of the old context to be disposed")
	}

	// late snapshot and push for a
	close(release)
	connA.handler.OnMessage(types.EventDeltaUpdate, []byte(`{"vehicleId":"v-a1","samples":`+samples(1)+`}`))
	h.waitFor("late snapshot fetched", func() bool { return h.snaps.callCount(a) == 1 })
	time.Sleep(20 * time.Millisecond)

	st := h.waitStatus("b tracking", func(s Status) bool { return s.Phase == PhaseTracking })
	if st.Context != b {
		t.Fatalf("Expected context %s, got %s", b, st.Context)
	}
	if len(st.Render.Markers) != 0 || st.PathPoints != 0 || st.ActiveSessions != 0 {
		t.Errorf("Expected nothing from the old context, got %+v", st)
	}
	if h.snaps.callCount(a) != 1 {
		t.Errorf("Expected the old context to stop polling, got %d fetches", h.snaps.callCount(a))
	}
}

func TestSurfaceInitFailureShowsPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.sdk.Missing["map"] = true
	tc := types.VehicleContext("v-1")

	h.mount(tc)
	st := h.waitStatus("placeholder", func(s Status) bool { return s.SurfaceError != "" && s.Phase == PhaseTracking })
	if st.SurfaceReady {
		t.Error("Expected no surface")
	}

	st = h.emit(tc, types.EventDeltaUpdate, samples(1, 2))
	if st.PathPoints != 2 || len(st.Render.Markers) != 1 {
		t.Errorf("Expected tracking to continue without a map, got %+v", st)
	}
}

func TestStreamErrorAndReconnect(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	h.mount(tc)
	h.waitStatus("open", func(s Status) bool { return s.Connection == types.StateOpen.String() })

	h.transport.last(tc).handler.OnError(errors.New("connection reset"))
	st := h.waitStatus("error", func(s Status) bool { return s.Connection == types.StateError.String() })
	if st.ConnectionError == "" {
		t.Error("Expected connection error text")
	}

	if err := h.ctrl.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	h.waitFor("second connection", func() bool { return h.transport.count(tc) == 2 })
	h.waitStatus("reopened", func(s Status) bool { return s.Connection == types.StateOpen.String() })

	st = h.emit(tc, types.EventDeltaUpdate, samples(1))
	if st.PathPoints != 1 {
		t.Errorf("Expected delivery on the new stream, got %d points", st.PathPoints)
	}
}

func TestCompanyPollsWithoutSessions(t *testing.T) {
	h := newHarness(t)
	tc := types.CompanyContext("c-1")
	h.snaps.set(tc, snapshot(idle("v-1")))

	h.mount(tc)
	h.waitFor("repeated polls", func() bool { return h.snaps.callCount(tc) >= 3 })
	if st := h.ctrl.Status(); !st.Polling || st.ActiveSessions != 0 {
		t.Errorf("Expected a fleet to keep polling, got %+v", st)
	}
}

func TestVehiclePollsOnlyWhileDriving(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	h.snaps.set(tc, snapshot(idle("v-1")))

	h.mount(tc)
	h.waitStatus("tracking", func(s Status) bool { return s.Phase == PhaseTracking })
	time.Sleep(80 * time.Millisecond)
	if n := h.snaps.callCount(tc); n != 1 {
		t.Errorf("Expected only the snapshot fetch, got %d", n)
	}
}

func TestSnapshotFailureRetries(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	var mu sync.Mutex
	fail := true
	h.snaps.set(tc, func() (*types.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, &types.TransportError{Op: "snapshot", Err: errors.New("502")}
		}
		return &types.Snapshot{Vehicles: []types.VehicleStatus{idle("v-1")}}, nil
	})

	h.mount(tc)
	st := h.waitStatus("stale", func(s Status) bool { return s.SnapshotStale })
	if st.Phase != PhaseMounting {
		t.Errorf("Expected MOUNTING until a snapshot arrives, got %s", st.Phase)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	h.waitStatus("recovered", func(s Status) bool { return !s.SnapshotStale && s.Phase == PhaseTracking })
}

func TestGeocodeLastIssuedWins(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	first := types.Coordinate{Lat: 37.001, Lng: 127.001}
	second := types.Coordinate{Lat: 37.002, Lng: 127.002}
	gate := make(chan struct{})
	h.geo.addrs[first] = "first street"
	h.geo.addrs[second] = "second street"
	h.geo.gates[first] = gate

	h.mount(tc)
	h.waitStatus("tracking", func(s Status) bool { return s.Phase == PhaseTracking })

	h.emit(tc, types.EventDeltaUpdate, samples(1))
	h.emit(tc, types.EventDeltaUpdate, samples(2))
	h.waitStatus("second address", func(s Status) bool { return s.Address == "second street" })

	close(gate)
	time.Sleep(20 * time.Millisecond)
	if st := h.sync(); st.Address != "second street" {
		t.Errorf("Expected the stale lookup to be ignored, got %q", st.Address)
	}
}

func TestGeocodeFailureShowsPlaceholder(t *testing.T) {
	h := newHarness(t)
	tc := types.VehicleContext("v-1")
	h.mount(tc)
	h.waitStatus("tracking", func(s Status) bool { return s.Phase == PhaseTracking })

	h.emit(tc, types.EventDeltaUpdate, samples(7))
	st := h.waitStatus("placeholder", func(s Status) bool { return s.AddressUnknown })
	if st.Address != AddressPlaceholder || st.PathPoints != 1 {
		t.Errorf("Expected placeholder without blocking the path, got %+v", st)
	}
}

func TestOperationsWithoutContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ctrl.Unmount(ctx); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Unmount() = %v, want ErrNotMounted", err)
	}
	if err := h.ctrl.Select(ctx, "v-1"); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Select() = %v, want ErrNotMounted", err)
	}
	if err := h.ctrl.Reconnect(ctx); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Reconnect() = %v, want ErrNotMounted", err)
	}
	if err := h.ctrl.Mount(ctx, types.TrackingContext{}); err == nil {
		t.Error("Expected invalid context to be rejected")
	}
	if err := h.ctrl.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Run() = %v, want ErrAlreadyRunning", err)
	}

	tc := types.VehicleContext("v-1")
	h.mount(tc)
	if err := h.ctrl.Select(ctx, "v-2"); err == nil {
		t.Error("Expected foreign vehicle to be rejected in a vehicle context")
	}
	if err := h.ctrl.Unmount(ctx); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if st := h.ctrl.Status(); st.Phase != PhaseIdle || !st.Context.IsZero() {
		t.Errorf("Expected idle status, got %+v", st)
	}
	if !h.transport.last(tc).isClosed() {
		t.Error("Expected stream closed on unmount")
	}
}

func TestStoppedController(t *testing.T) {
	ctrl := New(Config{}, Deps{
		Stream: stream.New(&fakeTransport{conns: make(map[string][]*fakeConn)}, nil),
		Snapshots: &fakeSnapshots{
			resp:  make(map[string]func() (*types.Snapshot, error)),
			gates: make(map[string]chan struct{}),
			calls: make(map[string]int),
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := ctrl.Mount(context.Background(), types.VehicleContext("v-1")); !errors.Is(err, ErrStopped) {
		t.Errorf("Mount() after stop = %v, want ErrStopped", err)
	}
}
