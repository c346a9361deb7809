package main

import (
	"context"

	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/mqtt"
)

// mqttBridgeAdapter adapts the infrastructure MQTT client to ad8x.MQTTClient.
// The bridge's handlers do not return errors, so Subscribe wraps them.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements ad8x.MQTTClient and ad8x.Publisher.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements ad8x.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements ad8x.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements ad8x.MQTTClient. The client's lifetime belongs to
// run, which closes it after the bridge has stopped.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {}

// telemetryWriter is the part of *influxdb.Client the telemetry adapter uses.
type telemetryWriter interface {
	WriteZoneState(s influxdb.ZoneSample)
	WriteLinkEvent(s influxdb.LinkSample)
	WriteCommand(s influxdb.CommandSample)
}

// telemetry records zone state, link transitions and command latency in
// InfluxDB. It is both a session observer and a command auditor.
type telemetry struct {
	influx telemetryWriter
}

// ZoneChanged implements ad8x.Observer.
func (t *telemetry) ZoneChanged(ampID string, z ad8x.ZoneSnapshot) {
	if !z.Known {
		return
	}
	t.influx.WriteZoneState(influxdb.ZoneSample{
		Amp:    ampID,
		Zone:   z.Zone,
		Name:   z.Name,
		Power:  z.Power,
		Mute:   z.Mute,
		Source: z.Source,
		Volume: z.Volume,
		Bass:   z.Bass,
		Treble: z.Treble,
	})
}

// LinkChanged implements ad8x.Observer.
func (t *telemetry) LinkChanged(ampID string, ev ad8x.LinkEvent) {
	t.influx.WriteLinkEvent(influxdb.LinkSample{
		Amp:                 ampID,
		Event:               ev.Kind,
		ConsecutiveFailures: ev.ConsecutiveFailures,
		Time:                ev.Time,
	})
}

// RecordCommand implements ad8x.CommandAuditor.
func (t *telemetry) RecordCommand(_ context.Context, o ad8x.CommandOutcome) {
	t.influx.WriteCommand(influxdb.CommandSample{
		Amp:      o.AmpID,
		Zone:     o.Zone,
		Command:  o.Command,
		Source:   o.Source,
		Result:   o.Result,
		Duration: o.Duration,
		Time:     o.Time,
	})
}

// multiAuditor fans a command outcome out to several auditors.
type multiAuditor []ad8x.CommandAuditor

// RecordCommand implements ad8x.CommandAuditor.
func (m multiAuditor) RecordCommand(ctx context.Context, o ad8x.CommandOutcome) {
	for _, a := range m {
		a.RecordCommand(ctx, o)
	}
}
