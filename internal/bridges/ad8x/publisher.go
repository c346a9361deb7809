package ad8x

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Publisher is the outbound message surface the bridge publishes state to.
// The MQTT client satisfies it through a thin adapter in main.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Observer receives state changes alongside MQTT publication.
// Implementations must not block; they run on the session's goroutines.
type Observer interface {
	ZoneChanged(ampID string, zone ZoneSnapshot)
	LinkChanged(ampID string, event LinkEvent)
}

// Link event kinds.
const (
	LinkOnline  = "online"
	LinkOffline = "offline"
	LinkDown    = "down"
	LinkUp      = "up"
)

// LinkEvent describes an availability or health transition.
type LinkEvent struct {
	Kind                string    `json:"kind"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Time                time.Time `json:"time"`
}

// eventSink publishes one amplifier's state. Publish failures are logged and
// swallowed; a broker outage never fails a device command.
type eventSink struct {
	ampID     string
	topics    Topics
	pub       Publisher
	qos       byte
	names     func(zone int) string
	log       func(msg string, keysAndValues ...any)

	observersMu sync.RWMutex
	observers   []Observer
}

func (e *eventSink) addObserver(o Observer) {
	e.observersMu.Lock()
	e.observers = append(e.observers, o)
	e.observersMu.Unlock()
}

func (e *eventSink) listeners() []Observer {
	e.observersMu.RLock()
	defer e.observersMu.RUnlock()
	return e.observers
}

func (e *eventSink) publish(topic string, payload []byte, retained bool) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(topic, payload, e.qos, retained); err != nil && e.log != nil {
		e.log("publish failed", "topic", topic, "error", err)
	}
}

func (e *eventSink) publishString(topic, value string) {
	e.publish(topic, []byte(value), true)
}

func (e *eventSink) notifyLink(kind string, failures int) {
	ev := LinkEvent{Kind: kind, ConsecutiveFailures: failures, Time: time.Now()}
	for _, o := range e.listeners() {
		o.LinkChanged(e.ampID, ev)
	}
}

// availability publishes online/offline for the amplifier.
func (e *eventSink) availability(online bool) {
	if online {
		e.publishString(e.topics.Availability(e.ampID), PayloadOnline)
		e.notifyLink(LinkOnline, 0)
		return
	}
	e.publishString(e.topics.Availability(e.ampID), PayloadOffline)
	e.notifyLink(LinkOffline, 0)
}

// refreshOnline republishes the retained online payload without telling
// observers; the link state has not changed.
func (e *eventSink) refreshOnline() {
	e.publishString(e.topics.Availability(e.ampID), PayloadOnline)
}

// networkStatus publishes the down/up health signal.
func (e *eventSink) networkStatus(status string, failures int) {
	e.publishString(e.topics.NetworkStatus(e.ampID), status)
	e.notifyLink(status, failures)
}

// zone publishes every field of a zone plus the combined blob.
// The volume field is only published when withVolume is set.
func (e *eventSink) zone(zone int, z ZoneState, withVolume bool) {
	snap := snapshotOf(zone, e.zoneName(zone), z)

	e.publishString(e.topics.ZoneField(e.ampID, zone, FieldPower), onOffPayload(z.Power))
	e.publishString(e.topics.ZoneField(e.ampID, zone, FieldMute), onOffPayload(z.Mute))
	e.publishString(e.topics.ZoneField(e.ampID, zone, FieldSource), strconv.Itoa(z.Source))
	e.publishString(e.topics.ZoneField(e.ampID, zone, FieldBass), strconv.Itoa(z.Bass))
	e.publishString(e.topics.ZoneField(e.ampID, zone, FieldTreble), strconv.Itoa(z.Treble))
	if withVolume {
		e.publishString(e.topics.ZoneField(e.ampID, zone, FieldVolume), strconv.Itoa(z.Volume))
	}

	if blob, err := json.Marshal(snap); err == nil {
		e.publish(e.topics.Zone(e.ampID, zone), blob, true)
	}

	for _, o := range e.listeners() {
		o.ZoneChanged(e.ampID, snap)
	}
}

// volume publishes a single optimistic volume value.
func (e *eventSink) volume(zone, vol int) {
	e.publishString(e.topics.ZoneField(e.ampID, zone, FieldVolume), strconv.Itoa(vol))
}

// power publishes a single optimistic power value.
func (e *eventSink) power(zone int, z ZoneState) {
	e.publishString(e.topics.ZoneField(e.ampID, zone, FieldPower), onOffPayload(z.Power))
	snap := snapshotOf(zone, e.zoneName(zone), z)
	for _, o := range e.listeners() {
		o.ZoneChanged(e.ampID, snap)
	}
}

func (e *eventSink) zoneName(zone int) string {
	if e.names == nil {
		return ""
	}
	return e.names(zone)
}

func onOffPayload(on bool) string {
	if on {
		return PayloadOn
	}
	return PayloadOff
}
