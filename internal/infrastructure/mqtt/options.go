package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// disconnectQuiesceMS lets in-flight work finish on Close.
	disconnectQuiesceMS = 1000

	statusQoS     = 1
	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

// StatusConfig names the retained availability topic the client maintains.
// Offline doubles as the Last Will, so the broker announces a bridge that
// disappears without closing.
type StatusConfig struct {
	Topic   string
	Online  string
	Offline string
}

func (s StatusConfig) enabled() bool {
	return s.Topic != ""
}

// brokerURL renders the paho server URL; TLS brokers use the ssl scheme.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions translates the MQTT config into paho options.
func buildClientOptions(cfg config.MQTTConfig, status StatusConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetKeepAlive(defaultKeepAlive).
		SetConnectTimeout(defaultConnectTimeout).
		// Handlers publish acks from inside paho callbacks; ordered
		// delivery would deadlock the router.
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if status.enabled() {
		opts.SetWill(status.Topic, status.Offline, statusQoS, true)
	}
	return opts
}
