// Package mqtt connects the AD-8x bridge to the MQTT broker.
//
// This package manages:
//   - Connection with auto-reconnect and subscription replay
//   - The bridge availability topic: Last Will "offline", "online" after
//     every connect, "offline" again on Close
//   - Topic and filter validation
//
// # Architecture
//
//	amplifiers ↔ ad8x sessions ↔ mqtt.Client ↔ broker ↔ Home Assistant
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) when the broker is not on the local host
//   - Pass credentials via AD8X_MQTT_USERNAME / AD8X_MQTT_PASSWORD
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.StatusConfig{
//	    Topic:   "rti/ad8x/bridge/status",
//	    Online:  "online",
//	    Offline: "offline",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("rti/ad8x/+/zone/+/set/+", 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
