package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives messages for a subscription. It runs on a paho
// goroutine; a returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// hooks are the caller's connection callbacks.
type hooks struct {
	onConnect    func()
	onDisconnect func(err error)
}

// Client is the bridge's broker connection. It keeps the availability
// topic current (online after each connect, offline on Close and as the
// Last Will) and resubscribes after a reconnect. Safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	status StatusConfig

	// up tracks paho's connect/lost callbacks; IsConnected also asks paho.
	up atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	hooksMu sync.RWMutex
	hooks   hooks

	loggerMu sync.RWMutex
	logger   Logger
}

// Connect dials the broker and blocks until connected or the connect
// timeout passes.
func Connect(cfg config.MQTTConfig, status StatusConfig) (*Client, error) {
	c := newClient(cfg, status)

	opts := buildClientOptions(cfg, status).
		SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			c.warn("MQTT reconnecting", "broker", cfg.Broker.Host)
		})

	c.client = pahomqtt.NewClient(opts)
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(cfg config.MQTTConfig, status StatusConfig) *Client {
	return &Client{cfg: cfg, status: status, subscriptions: make(map[string]subscription)}
}

func (c *Client) connect() error {
	if err := wait(c.client.Connect(), defaultConnectTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	// paho calls the connect handler on its own goroutine; callers may
	// publish as soon as Connect returns.
	c.up.Store(true)
	return nil
}

// handleConnect runs after the first connect and every reconnect.
func (c *Client) handleConnect() {
	c.up.Store(true)

	c.subMu.RLock()
	for filter, sub := range c.subscriptions {
		c.client.Subscribe(filter, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.publishStatus(c.status.Online)

	if fn := c.currentHooks().onConnect; fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.up.Store(false)
	c.warn("MQTT connection lost", "error", err)

	if fn := c.currentHooks().onDisconnect; fn != nil {
		fn(err)
	}
}

func (c *Client) publishStatus(payload string) {
	if !c.status.enabled() {
		return
	}
	if err := wait(c.client.Publish(c.status.Topic, statusQoS, true, payload), defaultPublishTimeout); err != nil {
		c.warn("failed to publish availability", "topic", c.status.Topic, "payload", payload, "error", err)
	}
}

// Close marks the bridge offline and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishStatus(c.status.Offline)
	}
	c.client.Disconnect(disconnectQuiesceMS)
	c.up.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the client can currently publish.
func (c *Client) IsConnected() bool {
	return c.up.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect registers fn to run after every (re)connect.
func (c *Client) SetOnConnect(fn func()) {
	c.hooksMu.Lock()
	c.hooks.onConnect = fn
	c.hooksMu.Unlock()
}

// SetOnDisconnect registers fn to run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hooksMu.Lock()
	c.hooks.onDisconnect = fn
	c.hooksMu.Unlock()
}

// SetLogger sets the logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) currentHooks() hooks {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.hooks
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) warn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

// wrapHandler shields paho from handler panics and logs handler errors.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				if l := c.getLogger(); l != nil {
					l.Error("MQTT handler panic recovered", "topic", topic, "panic", r)
				}
			}
		}()
		if err := handler(topic, msg.Payload()); err != nil {
			c.warn("MQTT handler returned error", "topic", topic, "error", err)
		}
	}
}

// wait blocks on a paho token for at most d.
func wait(t pahomqtt.Token, d time.Duration) error {
	if !t.WaitTimeout(d) {
		return fmt.Errorf("timeout after %v", d)
	}
	return t.Error()
}
