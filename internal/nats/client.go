package nats

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// SubjectPrefix is the root of every tracking subject:
// tracking.{vehicle|company}.{id}.{event}
const SubjectPrefix = "tracking"

// ErrInvalidToken is returned for ids that cannot be a subject token
var ErrInvalidToken = errors.New("invalid subject token")

// Options configures a connection
type Options struct {
	// Token authenticates the connection; empty means anonymous
	Token string
	// Name identifies the client on the server
	Name string
	// OnDisconnect is called once when the connection drops
	OnDisconnect func(error)
	// Timeout bounds the initial dial
	Timeout time.Duration
}

// Client represents a NATS client. It never reconnects: a dropped
// connection is reported through OnDisconnect and stays closed.
type Client struct {
	conn *nats.Conn
}

// New connects to url
func New(url string, opts Options) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("failed to connect to NATS: empty url")
	}

	natsOpts := []nats.Option{
		nats.NoReconnect(),
		nats.Name(opts.Name),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	if opts.Timeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.Timeout))
	}
	if opts.OnDisconnect != nil {
		natsOpts = append(natsOpts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			opts.OnDisconnect(err)
		}))
	}

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Client{conn: nc}, nil
}

// Subject returns the subject of event in tc
func Subject(tc types.TrackingContext, event string) (string, error) {
	if err := tc.Validate(); err != nil {
		return "", err
	}
	if !validToken(tc.ID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, tc.ID)
	}
	if event != "*" && !validToken(event) {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, event)
	}
	return strings.Join([]string{SubjectPrefix, tc.Kind.String(), tc.ID, event}, "."), nil
}

// EventName returns the event token of a tracking subject
func EventName(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// Subscribe delivers every event of tc to handler in receive order
func (c *Client) Subscribe(tc types.TrackingContext, handler func(event string, data []byte)) (*nats.Subscription, error) {
	subject, err := Subject(tc, "*")
	if err != nil {
		return nil, err
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(EventName(msg.Subject), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := c.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	return sub, nil
}

// PublishEvent publishes a raw event payload in tc
func (c *Client) PublishEvent(tc types.TrackingContext, event string, data []byte) error {
	subject, err := Subject(tc, event)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Flush waits until the server has processed everything published
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Connected reports whether the connection is up
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
