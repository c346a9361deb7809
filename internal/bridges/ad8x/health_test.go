package ad8x

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAmps []AmpHealth

func (s staticAmps) AmpHealth() []AmpHealth { return s }

func decodeHealth(t *testing.T, m *MockMQTTClient) HealthMessage {
	t.Helper()
	payload, ok := m.LastPayload(testTopics.BridgeHealth())
	require.True(t, ok, "no health published")
	var msg HealthMessage
	require.NoError(t, json.Unmarshal([]byte(payload), &msg))
	return msg
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		amps      staticAmps
		want      HealthStatus
		reason    string
	}{
		{"healthy", true, staticAmps{{ID: "amp1", Connected: true}}, HealthHealthy, ""},
		{"mqtt down", false, staticAmps{{ID: "amp1", Connected: true}}, HealthDegraded, "MQTT disconnected"},
		{"amp down", true, staticAmps{{ID: "amp1", Down: true}, {ID: "amp2"}, {ID: "amp3", Down: true}}, HealthDegraded, "amplifier down: amp1, amp3"},
		{"no amps", true, nil, HealthHealthy, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt := NewMockMQTTClient()
			mqtt.connected = tt.connected

			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "b1",
				Version:   "1.2.3",
				Topics:    testTopics,
				Publisher: mqtt,
				Amps:      tt.amps,
			})
			require.NoError(t, h.PublishNow())

			msg := decodeHealth(t, mqtt)
			assert.Equal(t, tt.want, msg.Status)
			assert.Equal(t, tt.reason, msg.Reason)
			assert.Equal(t, "b1", msg.BridgeID)
			assert.Equal(t, "1.2.3", msg.Version)
			assert.NotNil(t, msg.Amps)

			pubs := mqtt.GetPublished()
			require.Len(t, pubs, 1)
			assert.True(t, pubs[0].Retained)
			assert.Equal(t, byte(1), pubs[0].QoS)
		})
	}
}

func TestHealthReporterLifecycle(t *testing.T) {
	mqtt := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "b1",
		Interval:  10 * time.Millisecond,
		Topics:    testTopics,
		Publisher: mqtt,
	})

	require.NoError(t, h.PublishStarting())
	assert.Equal(t, HealthStarting, decodeHealth(t, mqtt).Status)

	h.Start(context.Background())
	waitFor(t, time.Second, func() bool { return len(mqtt.GetPublished()) >= 3 })

	h.Stop()
	h.Stop()
	assert.Equal(t, HealthStopping, decodeHealth(t, mqtt).Status)

	n := len(mqtt.GetPublished())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(mqtt.GetPublished()), "no publishes after stop")
}

func TestHealthReporterContextCancel(t *testing.T) {
	mqtt := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{Topics: testTopics, Publisher: mqtt})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	waitFor(t, time.Second, func() bool { return len(mqtt.GetPublished()) == 1 })
	cancel()

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after context cancel")
	}
}

func TestHealthMessageWithoutPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "b1", Amps: staticAmps{{ID: "amp1"}}})

	assert.NoError(t, h.PublishNow())
	msg := h.Message()
	assert.Equal(t, HealthDegraded, msg.Status)
	require.Len(t, msg.Amps, 1)
	assert.Equal(t, "amp1", msg.Amps[0].ID)
}
