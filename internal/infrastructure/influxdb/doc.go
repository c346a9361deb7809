// Package influxdb records amplifier telemetry in InfluxDB.
//
// It wraps influxdb-client-go v2 and writes three measurements:
//   - ad8x_zone: confirmed zone state (power, mute, source, volume, tone)
//   - ad8x_link: amplifier availability and down/up transitions
//   - ad8x_command: command outcome and latency
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteLinkEvent(influxdb.LinkSample{Amp: "amp1", Event: "down", ConsecutiveFailures: 3})
//
// Writes are non-blocking and batched (batch_size, flush_interval); failures
// are delivered to the SetOnError callback.
package influxdb
