package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// Envelope is one text frame on the WebSocket transport
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketTransport reads events from {URL}/vehicles/{id}/stream or
// {URL}/companies/{id}/stream
type WebSocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
}

// StreamURL returns the endpoint of tc
func (t *WebSocketTransport) StreamURL(tc types.TrackingContext) string {
	segment := "vehicles"
	if tc.Kind == types.ContextCompany {
		segment = "companies"
	}
	return fmt.Sprintf("%s/%s/%s/stream", strings.TrimRight(t.URL, "/"), segment, tc.ID)
}

type wsConn struct {
	conn *websocket.Conn
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// Connect dials the endpoint of tc and starts the read loop
func (t *WebSocketTransport) Connect(ctx context.Context, tc types.TrackingContext, token string, h TransportHandler) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, t.StreamURL(tc), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	c := &wsConn{conn: conn, done: make(chan struct{})}
	go c.readLoop(h)
	return c, nil
}

func (c *wsConn) readLoop(h TransportHandler) {
	defer close(c.done)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.closed = true
			c.mu.Unlock()
			if !closed {
				_ = c.conn.Close()
				h.OnError(err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			// a frame without an event name is reported as unknown
			h.OnMessage("", data)
			continue
		}
		h.OnMessage(env.Event, env.Data)
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	<-c.done
	return err
}
