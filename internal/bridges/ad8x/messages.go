package ad8x

import (
	"strconv"
	"strings"
	"time"
)

// Default topic roots.
const (
	// DefaultBaseTopic is the root of every bridge topic.
	DefaultBaseTopic = "rti/ad8x"

	// DefaultDiscoveryPrefix is Home Assistant's discovery root.
	DefaultDiscoveryPrefix = "homeassistant"
)

// Payload values.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	PayloadOn      = "on"
	PayloadOff     = "off"
	PayloadOK      = "ok"
	PayloadErr     = "err"

	// NetworkDown is published once per outage after the failure threshold.
	NetworkDown = "down"

	// NetworkUp is published when polling succeeds after a down signal.
	NetworkUp = "up"
)

// Zone field names, shared by state topics, command names and discovery.
const (
	FieldPower  = "power"
	FieldMute   = "mute"
	FieldSource = "source"
	FieldVolume = "volume"
	FieldBass   = "bass"
	FieldTreble = "treble"
)

// Topics builds the bridge's MQTT topic layout.
//
//	<base>/<amp>/status                    availability (retained)
//	<base>/network_status/<amp>            down/up (retained)
//	<base>/<amp>/zone/<z>                  combined zone JSON (retained)
//	<base>/<amp>/zone/<z>/<field>          single field (retained)
//	<base>/<amp>/zone/<z>/set/<cmd>        command
//	<base>/<amp>/zone/<z>/ack/<cmd>        ok/err
//	<base>/<amp>/raw, <base>/<amp>/ack/raw raw passthrough
//	<base>/all/set/all_off                 global off
//	<base>/bridge/status, /bridge/health   bridge LWT and health
type Topics struct {
	Base            string
	DiscoveryPrefix string
}

func (t Topics) base() string {
	if t.Base == "" {
		return DefaultBaseTopic
	}
	return strings.TrimSuffix(t.Base, "/")
}

func (t Topics) discoveryPrefix() string {
	if t.DiscoveryPrefix == "" {
		return DefaultDiscoveryPrefix
	}
	return strings.TrimSuffix(t.DiscoveryPrefix, "/")
}

// Availability returns the per-amplifier online/offline topic.
func (t Topics) Availability(ampID string) string {
	return t.base() + "/" + ampID + "/status"
}

// NetworkStatus returns the per-amplifier down/up topic.
func (t Topics) NetworkStatus(ampID string) string {
	return t.base() + "/network_status/" + ampID
}

// Zone returns the combined zone state topic.
func (t Topics) Zone(ampID string, zone int) string {
	return t.base() + "/" + ampID + "/zone/" + strconv.Itoa(zone)
}

// ZoneField returns a single-field zone state topic.
func (t Topics) ZoneField(ampID string, zone int, field string) string {
	return t.Zone(ampID, zone) + "/" + field
}

// ZoneCommand returns the command topic for a zone.
func (t Topics) ZoneCommand(ampID string, zone int, command string) string {
	return t.Zone(ampID, zone) + "/set/" + command
}

// ZoneAck returns the acknowledgement topic for a zone command.
func (t Topics) ZoneAck(ampID string, zone int, command string) string {
	return t.Zone(ampID, zone) + "/ack/" + command
}

// ZoneCommandSubscribe matches every zone command topic.
func (t Topics) ZoneCommandSubscribe() string {
	return t.base() + "/+/zone/+/set/+"
}

// Raw returns the raw passthrough topic for an amplifier.
func (t Topics) Raw(ampID string) string {
	return t.base() + "/" + ampID + "/raw"
}

// RawSubscribe matches every raw passthrough topic.
func (t Topics) RawSubscribe() string {
	return t.base() + "/+/raw"
}

// RawAck returns the topic carrying the device's reply to a raw command.
func (t Topics) RawAck(ampID string) string {
	return t.base() + "/" + ampID + "/ack/raw"
}

// AllOff returns the global all-zones-off topic.
func (t Topics) AllOff() string {
	return t.base() + "/all/set/all_off"
}

// BridgeStatus returns the bridge's LWT topic.
func (t Topics) BridgeStatus() string {
	return t.base() + "/bridge/status"
}

// BridgeHealth returns the periodic health report topic.
func (t Topics) BridgeHealth() string {
	return t.base() + "/bridge/health"
}

// DiscoveryStatus returns the topic Home Assistant announces its restarts on.
func (t Topics) DiscoveryStatus() string {
	return t.discoveryPrefix() + "/status"
}

// Discovery returns the config topic for one discovered entity.
func (t Topics) Discovery(component, objectID string) string {
	return t.discoveryPrefix() + "/" + component + "/" + objectID + "/config"
}

// ParseZoneCommand splits <base>/<amp>/zone/<z>/set/<cmd>.
func (t Topics) ParseZoneCommand(topic string) (ampID string, zone int, command string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.base()+"/")
	if !found {
		return "", 0, "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 5 || parts[1] != "zone" || parts[3] != "set" {
		return "", 0, "", false
	}
	z, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], z, strings.ToLower(parts[4]), true
}

// ParseRaw extracts the amplifier ID from <base>/<amp>/raw.
func (t Topics) ParseRaw(topic string) (string, bool) {
	rest, found := strings.CutPrefix(topic, t.base()+"/")
	if !found {
		return "", false
	}
	ampID, found := strings.CutSuffix(rest, "/raw")
	if !found || ampID == "" || strings.Contains(ampID, "/") {
		return "", false
	}
	return ampID, true
}

// =============================================================================
// Health messages
// =============================================================================

// HealthStatus is the bridge's overall condition.
type HealthStatus string

// Health status values.
const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published on the bridge health topic.
type HealthMessage struct {
	BridgeID      string       `json:"bridge_id"`
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Timestamp     time.Time    `json:"timestamp"`
	Amps          []AmpHealth  `json:"amps"`
}

// AmpHealth is the per-amplifier part of a health message.
type AmpHealth struct {
	ID                  string    `json:"id"`
	Address             string    `json:"address"`
	Connected           bool      `json:"connected"`
	Down                bool      `json:"down"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Stats               LinkStats `json:"stats"`
}
