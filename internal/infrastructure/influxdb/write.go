package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementZone    = "ad8x_zone"
	MeasurementLink    = "ad8x_link"
	MeasurementCommand = "ad8x_command"
)

// ZoneSample is one zone's confirmed state.
type ZoneSample struct {
	Amp    string
	Zone   int
	Name   string
	Power  bool
	Mute   bool
	Source int
	Volume int
	Bass   int
	Treble int
	Time   time.Time
}

// LinkSample is an amplifier availability or health transition.
type LinkSample struct {
	Amp                 string
	Event               string
	ConsecutiveFailures int
	Time                time.Time
}

// CommandSample is the outcome and latency of one control command.
type CommandSample struct {
	Amp      string
	Zone     int
	Command  string
	Source   string
	Result   string
	Duration time.Duration
	Time     time.Time
}

// WriteZoneState records a zone's state. Volume is the attenuation value
// the amplifier reports (0 loudest, 75 quietest).
func (c *Client) WriteZoneState(s ZoneSample) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"amp":  s.Amp,
		"zone": strconv.Itoa(s.Zone),
	}
	if s.Name != "" {
		tags["zone_name"] = s.Name
	}

	c.writer.WritePoint(write.NewPoint(MeasurementZone, tags, map[string]interface{}{
		"power":  s.Power,
		"mute":   s.Mute,
		"source": s.Source,
		"volume": s.Volume,
		"bass":   s.Bass,
		"treble": s.Treble,
	}, stamp(s.Time)))
}

// WriteLinkEvent records an amplifier link transition.
func (c *Client) WriteLinkEvent(s LinkSample) {
	if !c.IsConnected() {
		return
	}

	c.writer.WritePoint(write.NewPoint(MeasurementLink,
		map[string]string{
			"amp":   s.Amp,
			"event": s.Event,
		},
		map[string]interface{}{
			"consecutive_failures": s.ConsecutiveFailures,
		},
		stamp(s.Time),
	))
}

// WriteCommand records a command outcome with its latency in milliseconds.
func (c *Client) WriteCommand(s CommandSample) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"amp":     s.Amp,
		"command": s.Command,
		"result":  s.Result,
	}
	if s.Source != "" {
		tags["source"] = s.Source
	}

	c.writer.WritePoint(write.NewPoint(MeasurementCommand, tags, map[string]interface{}{
		"zone":        s.Zone,
		"duration_ms": float64(s.Duration) / float64(time.Millisecond),
	}, stamp(s.Time)))
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
