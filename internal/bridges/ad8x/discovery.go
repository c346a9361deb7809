package ad8x

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Home Assistant component types used by discovery.
const (
	componentSwitch = "switch"
	componentNumber = "number"
	componentSelect = "select"
)

// volumeTemplate flips the device's attenuation scale for the UI slider.
const volumeTemplate = "{{ 75 - (value | int) }}"

// DiscoveryDevice is the device block shared by every entity of one amplifier.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
}

// DiscoveryConfig is one Home Assistant MQTT discovery payload.
// Abbreviated keys follow Home Assistant's discovery schema.
type DiscoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"uniq_id"`
	StateTopic        string          `json:"stat_t"`
	CommandTopic      string          `json:"cmd_t"`
	AvailabilityTopic string          `json:"avty_t"`
	Device            DiscoveryDevice `json:"device"`

	PayloadOn  string `json:"pl_on,omitempty"`
	PayloadOff string `json:"pl_off,omitempty"`
	StateOn    string `json:"stat_on,omitempty"`
	StateOff   string `json:"stat_off,omitempty"`

	Min             *int     `json:"min,omitempty"`
	Max             *int     `json:"max,omitempty"`
	Step            int      `json:"step,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	ValueTemplate   string   `json:"val_tpl,omitempty"`
	CommandTemplate string   `json:"cmd_tpl,omitempty"`
	Options         []string `json:"options,omitempty"`
	Icon            string   `json:"icon,omitempty"`
	Optimistic      bool     `json:"optimistic,omitempty"`
}

// DiscoveryMessage is a config payload and the topic it is published on.
type DiscoveryMessage struct {
	Topic  string
	Config DiscoveryConfig
}

// Payload marshals the config.
func (m DiscoveryMessage) Payload() ([]byte, error) {
	data, err := json.Marshal(m.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery %s: %w", m.Topic, err)
	}
	return data, nil
}

// DiscoveryMessages builds the six entities of every zone of an amplifier:
// power and mute switches, volume/bass/treble numbers and a source select.
func DiscoveryMessages(topics Topics, ep Endpoint) []DiscoveryMessage {
	dev := DiscoveryDevice{
		Identifiers:  []string{"ad8x_" + ep.ID},
		Manufacturer: "RTI",
		Model:        "AD-8x",
		Name:         fmt.Sprintf("RTI AD-8x (%s)", ep.ID),
	}
	avail := topics.Availability(ep.ID)

	sources := make([]string, 0, NumZones)
	for i := 1; i <= NumZones; i++ {
		sources = append(sources, strconv.Itoa(i))
	}

	msgs := make([]DiscoveryMessage, 0, NumZones*6)
	for zone := 1; zone <= NumZones; zone++ {
		zoneName := ep.ZoneName(zone)

		entity := func(field, label string) DiscoveryConfig {
			return DiscoveryConfig{
				Name:              zoneName + " " + label,
				UniqueID:          ObjectID(ep.ID, zoneName, field),
				StateTopic:        topics.ZoneField(ep.ID, zone, field),
				CommandTopic:      topics.ZoneCommand(ep.ID, zone, field),
				AvailabilityTopic: avail,
				Device:            dev,
			}
		}
		onOff := func(c DiscoveryConfig) DiscoveryConfig {
			c.PayloadOn, c.PayloadOff = PayloadOn, PayloadOff
			c.StateOn, c.StateOff = PayloadOn, PayloadOff
			return c
		}
		ranged := func(c DiscoveryConfig, lo, hi, step int) DiscoveryConfig {
			c.Min, c.Max, c.Step = &lo, &hi, step
			c.Mode = "slider"
			c.Optimistic = true
			return c
		}

		power := onOff(entity(FieldPower, "Power"))
		mute := onOff(entity(FieldMute, "Mute"))

		volume := ranged(entity(FieldVolume, "Volume"), MinVolume, MaxVolume, 0)
		volume.ValueTemplate = volumeTemplate
		volume.CommandTemplate = volumeTemplate

		source := entity(FieldSource, "Source")
		source.Options = sources

		bass := ranged(entity(FieldBass, "Bass"), MinTone, MaxTone, ToneStep)
		bass.Icon = "mdi:speaker"

		treble := ranged(entity(FieldTreble, "Treble"), MinTone, MaxTone, ToneStep)
		treble.Icon = "mdi:surround-sound"

		msgs = append(msgs,
			DiscoveryMessage{Topic: topics.Discovery(componentSwitch, power.UniqueID), Config: power},
			DiscoveryMessage{Topic: topics.Discovery(componentSwitch, mute.UniqueID), Config: mute},
			DiscoveryMessage{Topic: topics.Discovery(componentNumber, volume.UniqueID), Config: volume},
			DiscoveryMessage{Topic: topics.Discovery(componentSelect, source.UniqueID), Config: source},
			DiscoveryMessage{Topic: topics.Discovery(componentNumber, bass.UniqueID), Config: bass},
			DiscoveryMessage{Topic: topics.Discovery(componentNumber, treble.UniqueID), Config: treble},
		)
	}
	return msgs
}

// ObjectID is the discovery object id of one zone entity.
func ObjectID(ampID, zoneName, field string) string {
	return Slugify("ad8x_" + ampID + "_" + zoneName + "_" + field)
}

// Slugify lowercases s, replaces anything that is not a letter or digit with
// '_' and trims leading and trailing underscores.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
