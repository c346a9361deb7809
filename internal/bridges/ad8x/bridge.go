package ad8x

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Bridge connects the amplifier sessions to MQTT. It demultiplexes command
// topics into intents, publishes acknowledgements, handles raw passthrough
// and the global off, and publishes Home Assistant discovery.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id        string
	topics    Topics
	qos       byte
	discovery bool
	mqtt      MQTTClient
	router    *Router
	health    *HealthReporter

	// Each inbound message runs on its own goroutine so a slow amplifier
	// never holds up another amplifier's commands.
	wg       sync.WaitGroup
	spawnMu  sync.Mutex
	stopping bool
	stopOnce sync.Once

	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// ID identifies this bridge instance in health messages.
	ID string

	// Version is reported in health messages.
	Version string

	Topics Topics

	// DiscoveryEnabled publishes Home Assistant discovery configs.
	DiscoveryEnabled bool

	// HealthInterval defaults to DefaultHealthInterval.
	HealthInterval time.Duration

	// QoS is used for subscriptions and acknowledgements.
	QoS byte

	// MQTTClient is required.
	MQTTClient MQTTClient

	// Router is required.
	Router *Router

	Logger Logger
}

// NewBridge creates a bridge. Call Start to subscribe and begin reporting.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:        opts.ID,
		topics:    opts.Topics,
		qos:       opts.QoS,
		discovery: opts.DiscoveryEnabled,
		mqtt:      opts.MQTTClient,
		router:    opts.Router,
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.ID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Topics:    opts.Topics,
		Publisher: opts.MQTTClient,
		Amps:      opts.Router,
	})

	if opts.Logger != nil {
		b.SetLogger(opts.Logger)
	}
	return b, nil
}

// Start announces the bridge, subscribes to command topics, publishes
// discovery and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}
	b.PublishOnline()

	subs := []string{
		b.topics.ZoneCommandSubscribe(),
		b.topics.RawSubscribe(),
		b.topics.AllOff(),
	}
	if b.discovery {
		subs = append(subs, b.topics.DiscoveryStatus())
	}
	for _, topic := range subs {
		if err := b.mqtt.Subscribe(topic, b.qos, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed", "topic", topic)
	}

	if b.discovery {
		if err := b.PublishDiscovery(); err != nil {
			b.logError("failed to publish discovery", err)
		}
	}

	b.health.Start(ctx)

	b.logInfo("bridge started", "bridge_id", b.id, "amps", len(b.router.Sessions()))
	return nil
}

// Stop waits for in-flight messages, stops health reporting and marks the
// bridge offline.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.spawnMu.Lock()
		b.stopping = true
		b.spawnMu.Unlock()

		b.ctxCancel()
		b.wg.Wait()
		b.health.Stop()

		if err := b.mqtt.Publish(b.topics.BridgeStatus(), []byte(PayloadOffline), 1, true); err != nil {
			b.logError("failed to publish offline status", err)
		}
		b.logInfo("bridge stopped")
	})
}

// PublishOnline publishes the retained bridge online status.
// Call it again after a broker reconnect to overwrite the LWT.
func (b *Bridge) PublishOnline() {
	if err := b.mqtt.Publish(b.topics.BridgeStatus(), []byte(PayloadOnline), 1, true); err != nil {
		b.logError("failed to publish online status", err)
	}
}

// OnReconnect republishes state that a broker restart may have lost.
func (b *Bridge) OnReconnect() {
	b.PublishOnline()
	if b.discovery {
		if err := b.PublishDiscovery(); err != nil {
			b.logError("failed to republish discovery", err)
		}
	}
}

// PublishDiscovery publishes retained discovery configs for every amplifier.
func (b *Bridge) PublishDiscovery() error {
	count := 0
	for _, s := range b.router.Sessions() {
		for _, msg := range DiscoveryMessages(b.topics, s.Endpoint()) {
			payload, err := msg.Payload()
			if err != nil {
				return err
			}
			if err := b.mqtt.Publish(msg.Topic, payload, 1, true); err != nil {
				return fmt.Errorf("publish %s: %w", msg.Topic, err)
			}
			count++
		}
	}
	b.logInfo("discovery published", "entities", count)
	return nil
}

// Health returns the current health message.
func (b *Bridge) Health() HealthMessage {
	return b.health.Message()
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
}

// handleMQTTMessage routes an inbound message.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	body := strings.TrimSpace(string(payload))

	switch {
	case topic == b.topics.AllOff():
		b.spawn(b.handleAllOff)

	case topic == b.topics.DiscoveryStatus():
		if body == PayloadOnline && b.discovery {
			b.spawn(func() {
				if err := b.PublishDiscovery(); err != nil {
					b.logError("failed to republish discovery", err)
				}
			})
		}

	default:
		if ampID, ok := b.topics.ParseRaw(topic); ok {
			b.spawn(func() { b.handleRaw(ampID, body) })
			return
		}
		if ampID, zone, cmd, ok := b.topics.ParseZoneCommand(topic); ok {
			in := Intent{AmpID: ampID, Zone: zone, Command: cmd, Payload: body, Source: SourceMQTT}
			b.spawn(func() { b.handleCommand(in) })
			return
		}
		b.logDebug("ignoring message", "topic", topic)
	}
}

// handleCommand dispatches an intent and publishes ok or err.
func (b *Bridge) handleCommand(in Intent) {
	b.logInfo("received command", "amp", in.AmpID, "zone", in.Zone, "command", in.Command, "payload", in.Payload)

	result := PayloadOK
	if err := b.router.Dispatch(b.ctx, in); err != nil {
		result = PayloadErr
	}

	if !ValidZone(in.Zone) {
		return
	}
	if err := b.mqtt.Publish(b.topics.ZoneAck(in.AmpID, in.Zone, in.Command), []byte(result), b.qos, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRaw forwards a raw command and publishes the first reply line.
func (b *Bridge) handleRaw(ampID, cmd string) {
	if cmd == "" {
		return
	}
	reply, err := b.router.Raw(b.ctx, ampID, cmd, SourceMQTT)
	if err != nil {
		b.logError("raw command failed", err)
		if _, known := b.router.Session(ampID); !known {
			return
		}
	}
	if err := b.mqtt.Publish(b.topics.RawAck(ampID), []byte(reply), b.qos, false); err != nil {
		b.logError("failed to publish raw reply", err)
	}
}

func (b *Bridge) handleAllOff() {
	b.logInfo("received all-off")
	if err := b.router.AllOff(b.ctx, SourceMQTT); err != nil {
		b.logError("all-off incomplete", err)
	}
}

// spawn runs fn on a tracked goroutine unless the bridge is stopping.
func (b *Bridge) spawn(fn func()) {
	b.spawnMu.Lock()
	if b.stopping {
		b.spawnMu.Unlock()
		return
	}
	b.wg.Add(1)
	b.spawnMu.Unlock()

	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
