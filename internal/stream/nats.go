package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/saviobatista/fleet-tracker/internal/nats"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// NATSTransport subscribes to tracking.{kind}.{id}.* on a NATS server
type NATSTransport struct {
	URL     string
	Name    string
	Timeout time.Duration
}

type natsConn struct {
	client *nats.Client
	sub    *natsgo.Subscription

	mu     sync.Mutex
	closed bool
}

// Connect opens a dedicated connection for tc
func (t *NATSTransport) Connect(ctx context.Context, tc types.TrackingContext, token string, h TransportHandler) (Conn, error) {
	conn := &natsConn{}

	timeout := t.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); timeout == 0 || d < timeout {
			timeout = d
		}
	}

	client, err := nats.New(t.URL, nats.Options{
		Token:   token,
		Name:    t.Name,
		Timeout: timeout,
		OnDisconnect: func(err error) {
			conn.mu.Lock()
			closed := conn.closed
			conn.mu.Unlock()
			// our own Close also disconnects
			if !closed {
				h.OnError(err)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	conn.client = client

	sub, err := client.Subscribe(tc, h.OnMessage)
	if err != nil {
		conn.markClosed()
		client.Close()
		return nil, err
	}
	conn.sub = sub
	return conn, nil
}

func (c *natsConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.closed
	c.closed = true
	return was
}

func (c *natsConn) Close() error {
	if c.markClosed() {
		return nil
	}
	var err error
	if c.sub != nil {
		if uerr := c.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, natsgo.ErrConnectionClosed) {
			err = fmt.Errorf("failed to unsubscribe: %w", uerr)
		}
	}
	c.client.Close()
	return err
}
