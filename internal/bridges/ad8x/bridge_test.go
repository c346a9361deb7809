package ad8x

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) Disconnect(uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// LastPayload returns the latest payload published on topic.
func (m *MockMQTTClient) LastPayload(topic string) (string, bool) {
	pubs := m.GetPublished()
	for i := len(pubs) - 1; i >= 0; i-- {
		if pubs[i].Topic == topic {
			return string(pubs[i].Payload), true
		}
	}
	return "", false
}

// SimulateMessage delivers a message to the handler whose filter matches.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// topicMatches implements MQTT '+' and '#' filter matching.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

func createTestBridge(t *testing.T, amps map[string]*fakeAmp, discovery bool) (*Bridge, *MockMQTTClient, *Router) {
	t.Helper()

	mqtt := NewMockMQTTClient()
	r := newTestRouter(t, amps, mqtt)

	b, err := NewBridge(BridgeOptions{
		ID:               "ad8x-test",
		Version:          "test",
		Topics:           testTopics,
		DiscoveryEnabled: discovery,
		HealthInterval:   time.Hour,
		QoS:              1,
		MQTTClient:       mqtt,
		Router:           r,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, mqtt, r
}

// =============================================================================
// Construction and lifecycle
// =============================================================================

func TestNewBridgeValidation(t *testing.T) {
	r, _ := NewRouter()

	if _, err := NewBridge(BridgeOptions{Router: r}); err == nil {
		t.Error("expected error without MQTT client")
	}
	if _, err := NewBridge(BridgeOptions{MQTTClient: NewMockMQTTClient()}); err == nil {
		t.Error("expected error without router")
	}
}

func TestBridgeStartStop(t *testing.T) {
	b, mqtt, _ := createTestBridge(t, map[string]*fakeAmp{"amp1": newFakeAmp()}, true)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	subs := mqtt.GetSubscriptions()
	want := map[string]bool{
		"rti/ad8x/+/zone/+/set/+":  false,
		"rti/ad8x/+/raw":           false,
		"rti/ad8x/all/set/all_off": false,
		"homeassistant/status":     false,
	}
	for _, s := range subs {
		want[s.Topic] = true
	}
	for topic, seen := range want {
		if !seen {
			t.Errorf("missing subscription %s", topic)
		}
	}

	if got, _ := mqtt.LastPayload(testTopics.BridgeStatus()); got != PayloadOnline {
		t.Errorf("bridge status = %q, want online", got)
	}

	discovered := 0
	for _, p := range mqtt.GetPublished() {
		if strings.HasPrefix(p.Topic, "homeassistant/") && p.Retained {
			discovered++
		}
	}
	if discovered != NumZones*6 {
		t.Errorf("discovery configs = %d, want %d", discovered, NumZones*6)
	}

	b.Stop()
	b.Stop()

	if got, _ := mqtt.LastPayload(testTopics.BridgeStatus()); got != PayloadOffline {
		t.Errorf("bridge status after stop = %q, want offline", got)
	}

	var health HealthMessage
	payload, ok := mqtt.LastPayload(testTopics.BridgeHealth())
	if !ok {
		t.Fatal("no health message published")
	}
	if err := json.Unmarshal([]byte(payload), &health); err != nil {
		t.Fatalf("health payload: %v", err)
	}
	if health.Status != HealthStopping {
		t.Errorf("final health status = %q, want stopping", health.Status)
	}
}

func TestBridgeWithoutDiscovery(t *testing.T) {
	b, mqtt, _ := createTestBridge(t, map[string]*fakeAmp{"amp1": newFakeAmp()}, false)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	for _, s := range mqtt.GetSubscriptions() {
		if s.Topic == "homeassistant/status" {
			t.Error("subscribed to discovery status with discovery disabled")
		}
	}
	for _, p := range mqtt.GetPublished() {
		if strings.HasPrefix(p.Topic, "homeassistant/") {
			t.Errorf("unexpected discovery publish on %s", p.Topic)
		}
	}
}

// =============================================================================
// Message handling
// =============================================================================

func TestBridgeCommandAck(t *testing.T) {
	amp := newFakeAmp()
	b, mqtt, _ := createTestBridge(t, map[string]*fakeAmp{"amp1": amp}, false)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	tests := []struct {
		name  string
		topic string
		body  string
		ack   string
		want  string
	}{
		{"volume while off", "rti/ad8x/amp1/zone/2/set/volume", "30", "rti/ad8x/amp1/zone/2/ack/volume", PayloadOK},
		{"gated source", "rti/ad8x/amp1/zone/3/set/source", "2", "rti/ad8x/amp1/zone/3/ack/source", PayloadErr},
		{"bad payload", "rti/ad8x/amp1/zone/4/set/mute", "perhaps", "rti/ad8x/amp1/zone/4/ack/mute", PayloadErr},
		{"unknown amp", "rti/ad8x/amp9/zone/1/set/mute", "on", "rti/ad8x/amp9/zone/1/ack/mute", PayloadErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt.SimulateMessage(tt.topic, []byte(tt.body))

			waitFor(t, time.Second, func() bool {
				_, ok := mqtt.LastPayload(tt.ack)
				return ok
			})
			got, _ := mqtt.LastPayload(tt.ack)
			if got != tt.want {
				t.Errorf("ack = %q, want %q", got, tt.want)
			}
		})
	}

	for _, p := range mqtt.GetPublished() {
		if strings.Contains(p.Topic, "/ack/") && p.Retained {
			t.Errorf("ack %s was retained", p.Topic)
		}
	}
}

func TestBridgeRawPassthrough(t *testing.T) {
	amp := newFakeAmp()
	b, mqtt, _ := createTestBridge(t, map[string]*fakeAmp{"amp1": amp}, false)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	mqtt.SimulateMessage("rti/ad8x/amp1/raw", []byte("*ZN01STA00"))

	waitFor(t, time.Second, func() bool {
		_, ok := mqtt.LastPayload("rti/ad8x/amp1/ack/raw")
		return ok
	})
	if got, _ := mqtt.LastPayload("rti/ad8x/amp1/ack/raw"); got != "#01,0,0,01,030" {
		t.Errorf("raw reply = %q", got)
	}
}

func TestBridgeAllOff(t *testing.T) {
	amp1, amp2 := newFakeAmp(), newFakeAmp()
	b, mqtt, _ := createTestBridge(t, map[string]*fakeAmp{"amp1": amp1, "amp2": amp2}, false)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	mqtt.SimulateMessage("rti/ad8x/all/set/all_off", []byte("1"))

	waitFor(t, time.Second, func() bool {
		return len(amp1.received()) == 1 && len(amp2.received()) == 1
	})
	waitFor(t, time.Second, func() bool {
		v, _ := mqtt.LastPayload(testTopics.ZoneField("amp2", 8, FieldPower))
		return v == PayloadOff
	})
}

func TestBridgeRepublishesDiscoveryWhenHomeAssistantRestarts(t *testing.T) {
	b, mqtt, _ := createTestBridge(t, map[string]*fakeAmp{"amp1": newFakeAmp()}, true)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	mqtt.ClearPublished()

	configs := func() int {
		n := 0
		for _, p := range mqtt.GetPublished() {
			if strings.HasSuffix(p.Topic, "/config") {
				n++
			}
		}
		return n
	}

	mqtt.SimulateMessage("homeassistant/status", []byte("offline"))
	time.Sleep(50 * time.Millisecond)
	if n := configs(); n != 0 {
		t.Errorf("published %d configs on HA offline", n)
	}

	mqtt.SimulateMessage("homeassistant/status", []byte("online"))
	waitFor(t, time.Second, func() bool { return configs() == NumZones*6 })
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		if got := topicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}
