package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// MQTTTopicPrefix is the root of tracking/{kind}/{id}/{event}
const MQTTTopicPrefix = "tracking"

// MQTTTransport subscribes to a broker topic per tracking context. The
// token is sent as the password.
type MQTTTransport struct {
	Broker   string
	Username string
	Timeout  time.Duration
}

// MQTTTopic returns the topic filter of tc
func MQTTTopic(tc types.TrackingContext) string {
	return strings.Join([]string{MQTTTopicPrefix, tc.Kind.String(), tc.ID, "+"}, "/")
}

type mqttConn struct {
	client mqtt.Client
	topic  string

	mu     sync.Mutex
	closed bool
}

// Connect opens a session and subscribes at QoS 1 so delivery stays ordered
func (t *MQTTTransport) Connect(ctx context.Context, tc types.TrackingContext, token string, h TransportHandler) (Conn, error) {
	if strings.ContainsAny(tc.ID, "/+#") {
		return nil, fmt.Errorf("invalid topic segment %q", tc.ID)
	}

	conn := &mqttConn{topic: MQTTTopic(tc)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.Broker)
	opts.SetClientID("fleet-tracker-" + uuid.NewString())
	opts.SetUsername(t.Username)
	opts.SetPassword(token)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		conn.mu.Lock()
		closed := conn.closed
		conn.closed = true
		conn.mu.Unlock()
		if !closed {
			h.OnError(err)
		}
	})

	conn.client = mqtt.NewClient(opts)

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if err := wait(ctx, conn.client.Connect(), timeout); err != nil {
		conn.mu.Lock()
		conn.closed = true
		conn.mu.Unlock()
		// aborts an attempt that is still in flight
		conn.client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	sub := conn.client.Subscribe(conn.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		h.OnMessage(topicEvent(msg.Topic()), msg.Payload())
	})
	if err := wait(ctx, sub, timeout); err != nil {
		conn.client.Disconnect(0)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", conn.topic, err)
	}
	return conn, nil
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func topicEvent(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

func (c *mqttConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Unsubscribe(c.topic)
	c.client.Disconnect(250)
	return nil
}
