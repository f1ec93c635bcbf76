package stream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saviobatista/fleet-tracker/internal/stats"
	"github.com/saviobatista/fleet-tracker/internal/stream"
	"github.com/saviobatista/fleet-tracker/internal/testutils"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

type fakeConn struct {
	mu     sync.Mutex
	closed int
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	mu      sync.Mutex
	handler *stream.TransportHandler
	token   string
	conn    *fakeConn
	err     error
	block   chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context, tc types.TrackingContext, token string, h stream.TransportHandler) (stream.Conn, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.handler = &h
	f.token = token
	f.conn = &fakeConn{}
	return f.conn, nil
}

func (f *fakeTransport) connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func (f *fakeTransport) emit(event, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnMessage(event, []byte(payload))
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnError(err)
}

type recorder struct {
	mu     sync.Mutex
	events []types.Event
	states []types.ConnectionState
	errs   []error
}

func (r *recorder) handler() stream.Handler {
	return stream.Handler{
		OnEvent: func(ev types.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		},
		OnState: func(s types.ConnectionState, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) lastState() (types.ConnectionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return types.StateConnecting, nil
	}
	return r.states[len(r.states)-1], r.errs[len(r.errs)-1]
}

type failingTokens struct{}

func (failingTokens) Token(context.Context) (string, error) {
	return "", errors.New("expired")
}

func TestOpenDeliversEvents(t *testing.T) {
	transport := &fakeTransport{}
	st := stats.New()
	client := stream.New(transport, stream.StaticToken("secret"), stream.WithStats(st))

	rec := &recorder{}
	h := client.Open(context.Background(), types.VehicleContext("v-1"), rec.handler())
	defer h.Close()

	if err := testutils.WaitForCondition(func() bool { return h.State() == types.StateOpen }, time.Second); err != nil {
		t.Fatalf("stream never opened: %v", err)
	}
	if transport.token != "secret" {
		t.Errorf("Expected token to reach transport, got %q", transport.token)
	}

	transport.emit(types.EventDeltaUpdate, `[{"seq":1,"lat":37.1,"lng":127.1},{"seq":2,"lat":"x","lng":1}]`)
	transport.emit(types.EventBacklogChunk, `[{"seq":0,"lat":37.0,"lng":127.0}]`)
	transport.emit("heartbeat", `{}`)

	if rec.eventCount() != 2 {
		t.Fatalf("Expected 2 events, got %d", rec.eventCount())
	}
	delta, ok := rec.events[0].(types.DeltaUpdate)
	if !ok || delta.VehicleID != "v-1" || len(delta.Samples) != 1 {
		t.Errorf("Unexpected first event: %#v", rec.events[0])
	}
	if _, ok := rec.events[1].(types.BacklogChunk); !ok {
		t.Errorf("Expected backlog chunk, got %T", rec.events[1])
	}

	s := st.GetStats()
	if s["events_received"].(uint64) != 3 {
		t.Errorf("Expected 3 events received, got %v", s["events_received"])
	}
	if s["malformed_samples"].(uint64) != 1 {
		t.Errorf("Expected 1 malformed sample, got %v", s["malformed_samples"])
	}
	if s["unknown_events"].(uint64) != 1 {
		t.Errorf("Expected 1 unknown event, got %v", s["unknown_events"])
	}
}

func TestCompanyEventWithoutVehicleDropped(t *testing.T) {
	transport := &fakeTransport{}
	client := stream.New(transport, nil)

	rec := &recorder{}
	h := client.Open(context.Background(), types.CompanyContext("c-1"), rec.handler())
	defer h.Close()

	if err := testutils.WaitForCondition(transport.connected, time.Second); err != nil {
		t.Fatal(err)
	}
	transport.emit(types.EventDeltaUpdate, `[{"seq":1,"lat":1,"lng":1}]`)
	transport.emit(types.EventDeltaUpdate, `{"vehicleId":"v-9","samples":[{"seq":1,"lat":1,"lng":1}]}`)

	if rec.eventCount() != 1 || rec.events[0].Vehicle() != "v-9" {
		t.Errorf("Expected only the addressed event, got %#v", rec.events)
	}
}

func TestTransportErrorMovesToError(t *testing.T) {
	transport := &fakeTransport{}
	st := stats.New()
	client := stream.New(transport, nil, stream.WithStats(st))

	rec := &recorder{}
	h := client.Open(context.Background(), types.VehicleContext("v-1"), rec.handler())
	defer h.Close()

	if err := testutils.WaitForCondition(func() bool { return h.State() == types.StateOpen }, time.Second); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("reset by peer")
	transport.fail(cause)

	state, err := rec.lastState()
	if state != types.StateError {
		t.Fatalf("Expected ERROR, got %s", state)
	}
	var te *types.TransportError
	if !errors.As(err, &te) || !errors.Is(err, cause) {
		t.Errorf("Expected TransportError wrapping cause, got %v", err)
	}
	if transport.conn.closeCount() != 1 {
		t.Errorf("Expected connection to be closed once, got %d", transport.conn.closeCount())
	}

	// no delivery after the failure
	transport.emit(types.EventDeltaUpdate, `[{"seq":5,"lat":1,"lng":1}]`)
	if rec.eventCount() != 0 {
		t.Errorf("Expected no events after failure, got %d", rec.eventCount())
	}

	// a second failure is not reported again
	transport.fail(cause)
	if errs := st.GetStats()["error_counts"].([4]uint64); errs[stats.ErrStream] != 1 {
		t.Errorf("Expected one stream error, got %d", errs[stats.ErrStream])
	}
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name      string
		transport *fakeTransport
		tokens    stream.TokenSource
		tc        types.TrackingContext
	}{
		{
			name:      "connect error",
			transport: &fakeTransport{err: errors.New("refused")},
			tc:        types.VehicleContext("v-1"),
		},
		{
			name:      "token error",
			transport: &fakeTransport{},
			tokens:    failingTokens{},
			tc:        types.VehicleContext("v-1"),
		},
		{
			name:      "invalid context",
			transport: &fakeTransport{},
			tc:        types.TrackingContext{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			h := stream.New(tt.transport, tt.tokens).Open(context.Background(), tt.tc, rec.handler())
			defer h.Close()

			if err := testutils.WaitForCondition(func() bool { return h.State() == types.StateError }, time.Second); err != nil {
				t.Fatalf("Expected ERROR state: %v", err)
			}
			_, err := rec.lastState()
			var te *types.TransportError
			if !errors.As(err, &te) {
				t.Errorf("Expected TransportError, got %v", err)
			}
		})
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	transport := &fakeTransport{}
	var taps []string
	client := stream.New(transport, nil, stream.WithTap(func(_ types.TrackingContext, event string, _ []byte) {
		taps = append(taps, event)
	}))

	rec := &recorder{}
	h := client.Open(context.Background(), types.VehicleContext("v-1"), rec.handler())
	if err := testutils.WaitForCondition(func() bool { return h.State() == types.StateOpen }, time.Second); err != nil {
		t.Fatal(err)
	}

	transport.emit(types.EventDeltaUpdate, `[{"seq":1,"lat":1,"lng":1}]`)
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	transport.emit(types.EventDeltaUpdate, `[{"seq":2,"lat":1,"lng":1}]`)
	transport.fail(errors.New("late"))

	if rec.eventCount() != 1 {
		t.Errorf("Expected 1 event, got %d", rec.eventCount())
	}
	if h.State() != types.StateClosed {
		t.Errorf("Expected CLOSED, got %s", h.State())
	}
	if transport.conn.closeCount() != 1 {
		t.Errorf("Expected one close, got %d", transport.conn.closeCount())
	}
	if len(taps) != 1 {
		t.Errorf("Expected tap to see 1 event, got %d", len(taps))
	}
}

func TestCloseWhileConnecting(t *testing.T) {
	transport := &fakeTransport{block: make(chan struct{})}
	rec := &recorder{}
	h := stream.New(transport, nil).Open(context.Background(), types.VehicleContext("v-1"), rec.handler())

	if h.State() != types.StateConnecting {
		t.Fatalf("Expected CONNECTING, got %s", h.State())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.states) != 0 {
		t.Errorf("Expected no state callbacks after Close, got %v", rec.states)
	}
}
