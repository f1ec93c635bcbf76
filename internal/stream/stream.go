// Package stream maintains one live push connection per tracking context
// and turns its raw events into typed position events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/saviobatista/fleet-tracker/internal/logger"
	"github.com/saviobatista/fleet-tracker/internal/parser"
	"github.com/saviobatista/fleet-tracker/internal/stats"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// TokenSource provides the credential presented when a connection opens
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential
type StaticToken string

// Token returns the token itself
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// TransportHandler receives raw traffic from a transport. Calls may come
// from any goroutine but must be sequential and in receive order.
type TransportHandler struct {
	OnMessage func(event string, payload []byte)
	OnError   func(err error)
}

// Conn is an established transport connection
type Conn interface {
	Close() error
}

// Transport opens raw event connections. Implementations never reconnect.
type Transport interface {
	Connect(ctx context.Context, tc types.TrackingContext, token string, h TransportHandler) (Conn, error)
}

// Handler receives typed events and state changes of one connection. The
// callbacks run while the handle lock is held: they must not block and
// must not call Close.
type Handler struct {
	OnEvent func(types.Event)
	OnState func(state types.ConnectionState, err error)
}

// Tap observes every raw event before decoding
type Tap func(tc types.TrackingContext, event string, payload []byte)

// Client opens push connections over a transport
type Client struct {
	transport Transport
	tokens    TokenSource
	log       *slog.Logger
	stats     *stats.Stats
	tap       Tap
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithStats counts events, drops and transport errors
func WithStats(st *stats.Stats) Option {
	return func(c *Client) { c.stats = st }
}

// WithTap registers a raw event observer
func WithTap(tap Tap) Option {
	return func(c *Client) { c.tap = tap }
}

// New creates a client over transport
func New(transport Transport, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		tokens:    tokens,
		log:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = StaticToken("")
	}
	return c
}

// Handle is one open connection
type Handle struct {
	tc     types.TrackingContext
	client *Client
	h      Handler
	cancel context.CancelFunc

	mu     sync.Mutex
	state  types.ConnectionState
	conn   Conn
	closed bool
}

// Open starts connecting to the push source of tc and returns at once in
// state CONNECTING. The handle moves to OPEN or ERROR asynchronously.
func (c *Client) Open(ctx context.Context, tc types.TrackingContext, h Handler) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		tc:     tc,
		client: c,
		h:      h,
		cancel: cancel,
		state:  types.StateConnecting,
	}
	go handle.connect(ctx)
	return handle
}

func (h *Handle) connect(ctx context.Context) {
	if err := h.tc.Validate(); err != nil {
		h.fail(&types.TransportError{Op: "open", Err: err})
		return
	}

	token, err := h.client.tokens.Token(ctx)
	if err != nil {
		h.fail(&types.TransportError{Op: "token", Err: err})
		return
	}

	conn, err := h.client.transport.Connect(ctx, h.tc, token, TransportHandler{
		OnMessage: h.onMessage,
		OnError: func(err error) {
			h.fail(&types.TransportError{Op: "receive", Err: err})
		},
	})
	if err != nil {
		h.fail(&types.TransportError{Op: "connect", Err: err})
		return
	}

	h.mu.Lock()
	if h.closed || h.state == types.StateError {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conn = conn
	h.setState(types.StateOpen, nil)
	h.mu.Unlock()

	h.client.log.Info("stream open", slog.String("context", h.tc.String()))
}

// setState notifies the handler; mu must be held
func (h *Handle) setState(state types.ConnectionState, err error) {
	if h.state == state {
		return
	}
	h.state = state
	if h.h.OnState != nil {
		h.h.OnState(state, err)
	}
}

func (h *Handle) onMessage(event string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.state == types.StateError {
		return
	}
	// traffic proves the connection is up even if Connect has not returned
	h.setState(types.StateOpen, nil)

	c := h.client
	if c.tap != nil {
		c.tap(h.tc, event, payload)
	}
	if c.stats != nil {
		c.stats.IncrementEvents()
	}

	res, err := parser.DecodeEvent(event, payload, h.tc)
	if err != nil {
		if c.stats != nil {
			c.stats.IncrementUnknownEvents()
		}
		level := slog.LevelWarn
		if errors.Is(err, parser.ErrUnknownEvent) {
			level = slog.LevelDebug
		}
		c.log.Log(context.Background(), level, "dropping push event",
			slog.String("context", h.tc.String()),
			slog.String("event", event),
			slog.Any("error", err))
		return
	}
	if res.Dropped > 0 {
		if c.stats != nil {
			c.stats.AddMalformed(res.Dropped)
		}
		c.log.Debug("dropped undecodable samples",
			slog.String("event", event),
			slog.Int("count", res.Dropped))
	}

	if h.h.OnEvent != nil {
		h.h.OnEvent(res.Event)
	}
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.closed || h.state == types.StateError {
		h.mu.Unlock()
		return
	}
	conn := h.conn
	h.conn = nil
	h.setState(types.StateError, err)
	h.mu.Unlock()

	h.cancel()
	if h.client.stats != nil {
		h.client.stats.IncrementError(stats.ErrStream)
	}
	h.client.log.Warn("stream failed",
		slog.String("context", h.tc.String()),
		slog.Any("error", err))
	if conn != nil {
		_ = conn.Close()
	}
}

// State returns the current connection state
func (h *Handle) State() types.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Context returns the tracking context of the connection
func (h *Handle) Context() types.TrackingContext {
	return h.tc
}

// Close unregisters the handler and tears the connection down. No handler
// call starts after Close returns. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.state = types.StateClosed
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	h.cancel()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}
