package ad8x

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultHealthInterval is how often the health message is republished.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher publishes health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// AmpHealthSource reports per-amplifier health. *Router satisfies it.
type AmpHealthSource interface {
	AmpHealth() []AmpHealth
}

// HealthReporter publishes the bridge health message at a fixed interval.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	interval  time.Duration
	topic     string
	publisher HealthPublisher
	amps      AmpHealthSource

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval defaults to DefaultHealthInterval.
	Interval time.Duration

	Topics    Topics
	Publisher HealthPublisher
	Amps      AmpHealthSource
}

// NewHealthReporter creates a health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		topic:     cfg.Topics.BridgeHealth(),
		publisher: cfg.Publisher,
		amps:      cfg.Amps,
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishLifecycle(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishLifecycle(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health immediately.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.Message())
}

// Message builds the current health message without publishing it.
// Health is degraded while MQTT is down or any amplifier has raised its
// down signal.
func (h *HealthReporter) Message() HealthMessage {
	amps := []AmpHealth{}
	if h.amps != nil {
		amps = append(amps, h.amps.AmpHealth()...)
	}

	var down []string
	for _, a := range amps {
		if a.Down {
			down = append(down, a.ID)
		}
	}

	msg := h.message(HealthHealthy, "", amps)
	switch {
	case h.publisher == nil || !h.publisher.IsConnected():
		msg.Status, msg.Reason = HealthDegraded, "MQTT disconnected"
	case len(down) > 0:
		msg.Status, msg.Reason = HealthDegraded, "amplifier down: "+strings.Join(down, ", ")
	}
	return msg
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.logError("failed to publish health", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-tick.C:
		}
	}
}

func (h *HealthReporter) message(status HealthStatus, reason string, amps []AmpHealth) HealthMessage {
	return HealthMessage{
		BridgeID:      h.bridgeID,
		Status:        status,
		Reason:        reason,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Timestamp:     time.Now().UTC(),
		Amps:          amps,
	}
}

// publishLifecycle publishes a starting or stopping message.
func (h *HealthReporter) publishLifecycle(status HealthStatus, reason string) error {
	msg := h.Message()
	msg.Status, msg.Reason = status, reason
	return h.publish(msg)
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
