// Package ingest consumes the platform's player-event stream over MQTT
// and feeds it to the event router.
package ingest

import (
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Client wraps the Paho MQTT client with bounded connect and subscribe
// waits so a dead broker cannot hang engine startup.
type Client struct {
	client paho.Client
	broker string
	mu     sync.Mutex
}

// ResolveBroker picks the broker URL: explicit config wins, then the
// MQTT_URL environment variable, then the local default.
func ResolveBroker(configured string) string {
	if configured != "" {
		return configured
	}
	if url := os.Getenv("MQTT_URL"); url != "" {
		return url
	}
	return "tcp://localhost:1883"
}

// NewClient creates a client for the broker but does not connect. The
// session auto-reconnects; the subscriber re-arms its subscription on
// each reconnect.
func NewClient(broker, clientID string, onConnect func()) *Client {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	if onConnect != nil {
		opts.SetOnConnectHandler(func(paho.Client) { onConnect() })
	}

	return &Client{
		client: paho.NewClient(opts),
		broker: broker,
	}
}

// Connect dials the broker, waiting at most ten seconds.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", c.broker)
	}
	return token.Error()
}

// Subscribe attaches the handler to a topic at QoS 1.
func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Subscribe(topic, 1, handler)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe to %s timed out", topic)
	}
	return token.Error()
}

// Disconnect flushes in-flight messages and closes the session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.Disconnect(1000)
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
