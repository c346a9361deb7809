package ad8x

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopics(t *testing.T) {
	tp := Topics{}

	assert.Equal(t, "rti/ad8x/amp1/status", tp.Availability("amp1"))
	assert.Equal(t, "rti/ad8x/network_status/amp1", tp.NetworkStatus("amp1"))
	assert.Equal(t, "rti/ad8x/amp1/zone/3", tp.Zone("amp1", 3))
	assert.Equal(t, "rti/ad8x/amp1/zone/3/volume", tp.ZoneField("amp1", 3, FieldVolume))
	assert.Equal(t, "rti/ad8x/amp1/zone/3/set/power", tp.ZoneCommand("amp1", 3, CmdPower))
	assert.Equal(t, "rti/ad8x/amp1/zone/3/ack/power", tp.ZoneAck("amp1", 3, CmdPower))
	assert.Equal(t, "rti/ad8x/+/zone/+/set/+", tp.ZoneCommandSubscribe())
	assert.Equal(t, "rti/ad8x/amp1/raw", tp.Raw("amp1"))
	assert.Equal(t, "rti/ad8x/amp1/ack/raw", tp.RawAck("amp1"))
	assert.Equal(t, "rti/ad8x/all/set/all_off", tp.AllOff())
	assert.Equal(t, "rti/ad8x/bridge/status", tp.BridgeStatus())
	assert.Equal(t, "rti/ad8x/bridge/health", tp.BridgeHealth())
	assert.Equal(t, "homeassistant/status", tp.DiscoveryStatus())
	assert.Equal(t, "homeassistant/switch/x/config", tp.Discovery("switch", "x"))

	custom := Topics{Base: "home/amps/", DiscoveryPrefix: "ha"}
	assert.Equal(t, "home/amps/a/status", custom.Availability("a"))
	assert.Equal(t, "ha/status", custom.DiscoveryStatus())
}

func TestParseZoneCommand(t *testing.T) {
	tp := Topics{}

	tests := []struct {
		topic string
		amp   string
		zone  int
		cmd   string
		ok    bool
	}{
		{"rti/ad8x/amp1/zone/3/set/volume", "amp1", 3, "volume", true},
		{"rti/ad8x/amp2/zone/8/set/TOGGLE_MUTE", "amp2", 8, "toggle_mute", true},
		{"rti/ad8x/amp1/zone/x/set/volume", "", 0, "", false},
		{"rti/ad8x/amp1/zone/3/ack/volume", "", 0, "", false},
		{"rti/ad8x/amp1/zone/3/set", "", 0, "", false},
		{"other/amp1/zone/3/set/volume", "", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			amp, zone, cmd, ok := tp.ParseZoneCommand(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.amp, amp)
			assert.Equal(t, tt.zone, zone)
			assert.Equal(t, tt.cmd, cmd)
		})
	}
}

func TestParseRaw(t *testing.T) {
	tp := Topics{}

	amp, ok := tp.ParseRaw("rti/ad8x/amp1/raw")
	assert.True(t, ok)
	assert.Equal(t, "amp1", amp)

	for _, topic := range []string{"rti/ad8x/amp1/ack/raw", "rti/ad8x/raw", "x/amp1/raw"} {
		_, ok := tp.ParseRaw(topic)
		assert.False(t, ok, topic)
	}
}
