package mqtt

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"redpocket2mqtt/internal/storage"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// fakeBroker records publishes instead of sending them
type fakeBroker struct {
	mu       sync.Mutex
	prefix   string
	messages []message
	fail     bool
}

func (f *fakeBroker) PublishWithQoS(topic string, qos byte, retained bool, payload interface{}) error {
	return f.record(joinTopic(f.prefix, topic), qos, retained, payload)
}

func (f *fakeBroker) PublishRaw(topic string, payload interface{}, retained bool) error {
	return f.record(topic, 1, retained, payload)
}

func (f *fakeBroker) record(topic string, qos byte, retained bool, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("not connected")
	}
	var p string
	switch v := payload.(type) {
	case []byte:
		p = string(v)
	case string:
		p = v
	}
	f.messages = append(f.messages, message{topic, qos, retained, p})
	return nil
}

func (f *fakeBroker) IsConnected() bool  { return !f.fail }
func (f *fakeBroker) GetConfig() Config { return Config{Prefix: f.prefix} }

func (f *fakeBroker) find(topic string) (message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return message{}, false
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestSensorIDSanitization(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"REDPOCKET_555_DATA", "redpocket_555_data"},
		{"line 555 data", "line_555_data"},
		{"a/b.c", "a_b_c"},
		{"evil/#/+", "evil____"},
		{"redpocket_5551234567_voice_balance", "redpocket_5551234567_voice_balance"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeSensorIDFast(tt.input); got != tt.expected {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPublishSensorState(t *testing.T) {
	broker := &fakeBroker{prefix: "redpocket"}
	p := NewPublisher(broker, nil)

	tests := []struct {
		name    string
		value   interface{}
		payload string
	}{
		{"integer", 2048, "2048"},
		{"string", "unavailable", "unavailable"},
		{"date string", "2027-01-08", "2027-01-08"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.PublishSensorState(&SensorData{
				ID:         "redpocket_5551234567_data_balance",
				Value:      tt.value,
				Attributes: map[string]interface{}{"line": "5551234567"},
			})
			if err != nil {
				t.Fatalf("PublishSensorState: %v", err)
			}

			msg, ok := broker.find("redpocket/sensor/redpocket_5551234567_data_balance/state")
			if !ok {
				t.Fatal("state not published")
			}
			if msg.payload != tt.payload || !msg.retained {
				t.Errorf("state = %q retained=%v, want %q retained", msg.payload, msg.retained, tt.payload)
			}
		})
	}

	attrs, ok := broker.find("redpocket/sensor/redpocket_5551234567_data_balance/attributes")
	if !ok {
		t.Fatal("attributes not published")
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(attrs.payload), &decoded); err != nil || decoded["line"] != "5551234567" {
		t.Errorf("unexpected attributes %q", attrs.payload)
	}
}

func TestPublishMultipleSensorsReportsError(t *testing.T) {
	broker := &fakeBroker{prefix: "redpocket", fail: true}
	p := NewPublisher(broker, nil)

	err := p.PublishMultipleSensors([]*SensorData{{ID: "a", Value: 1}, {ID: "b", Value: 2}})
	if err == nil {
		t.Error("expected error when broker is down")
	}
}

func TestPublishAvailability(t *testing.T) {
	broker := &fakeBroker{prefix: "redpocket"}
	p := NewPublisher(broker, nil)

	p.PublishAvailability("5551234567", true)
	msg, _ := broker.find("redpocket/sensor/5551234567/availability")
	if msg.payload != PayloadOnline || msg.qos != 1 || !msg.retained {
		t.Errorf("unexpected availability message %+v", msg)
	}

	p.PublishAvailability("5551234567", false)
	msg, _ = broker.find("redpocket/sensor/5551234567/availability")
	if msg.payload != PayloadOffline {
		t.Errorf("availability = %q, want offline", msg.payload)
	}
}

func testConfig(id string) *SensorConfig {
	return &SensorConfig{
		SensorID:          id,
		Name:              "5551234567 Voice Balance",
		Icon:              "mdi:account-voice",
		Unit:              "Minutes",
		StateTopic:        StateTopic(id),
		AttributesTopic:   AttributesTopic(id),
		AvailabilityTopic: AvailabilityTopic("5551234567"),
		StateClass:        "measurement",
		DeviceInfo: &DeviceInfo{
			Identifiers:  []string{"redpocket_5551234567"},
			Name:         "RedPocket 5551234567",
			Manufacturer: "RedPocket Mobile",
		},
	}
}

func TestDiscoveryConfig(t *testing.T) {
	broker := &fakeBroker{prefix: "redpocket"}
	d := NewDiscoveryManager(broker, nil, nil, "sensor")

	if err := d.PublishDiscoveryConfig(testConfig("redpocket_5551234567_voice_balance")); err != nil {
		t.Fatalf("PublishDiscoveryConfig: %v", err)
	}

	msg, ok := broker.find("homeassistant/sensor/redpocket/redpocket_5551234567_voice_balance/config")
	if !ok {
		t.Fatal("discovery config not published")
	}
	if !msg.retained || msg.qos != 1 {
		t.Error("discovery config must be retained with QoS 1")
	}

	var cfg map[string]interface{}
	if err := json.Unmarshal([]byte(msg.payload), &cfg); err != nil {
		t.Fatalf("invalid discovery JSON: %v", err)
	}

	want := map[string]string{
		"unique_id":             "redpocket_5551234567_voice_balance",
		"state_topic":           "redpocket/sensor/redpocket_5551234567_voice_balance/state",
		"json_attributes_topic": "redpocket/sensor/redpocket_5551234567_voice_balance/attributes",
		"icon":                  "mdi:account-voice",
		"unit_of_measurement":   "Minutes",
		"availability_mode":     "all",
	}
	for k, v := range want {
		if cfg[k] != v {
			t.Errorf("%s = %v, want %v", k, cfg[k], v)
		}
	}

	availability, _ := cfg["availability"].([]interface{})
	if len(availability) != 2 {
		t.Fatalf("expected bridge and line availability, got %v", cfg["availability"])
	}
	line := availability[1].(map[string]interface{})
	if line["topic"] != "redpocket/sensor/5551234567/availability" {
		t.Errorf("line availability topic = %v", line["topic"])
	}
	if _, ok := cfg["entity_category"]; ok {
		t.Error("entity_category should be omitted when empty")
	}
}

func TestDiscoveryManagerRepublishing(t *testing.T) {
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	broker := &fakeBroker{prefix: "redpocket"}
	d := NewDiscoveryManager(broker, nil, store, "sensor")

	if !d.ShouldRepublishDiscovery(2) {
		t.Error("first check should request publishing")
	}

	d.PublishMultipleDiscoveryConfigs([]*SensorConfig{testConfig("a"), testConfig("b")})
	if d.ShouldRepublishDiscovery(2) {
		t.Error("unchanged sensor count should not republish")
	}
	if !d.ShouldRepublishDiscovery(1) {
		t.Error("changed sensor count should republish")
	}

	// Dropping "b" clears its retained config
	d.PublishMultipleDiscoveryConfigs([]*SensorConfig{testConfig("a")})
	msg, ok := broker.find(DiscoveryTopic("b"))
	if !ok || msg.payload != "" || !msg.retained {
		t.Errorf("stale config not cleared: %+v", msg)
	}

	published, err := store.GetBool("sensor", "discoveryPublished")
	if err != nil || !published {
		t.Error("discovery flag not stored")
	}

	d.ClearDiscoveryState()
	if !d.ShouldRepublishDiscovery(1) {
		t.Error("cleared state should republish")
	}
}

func TestDiscoveryConfigCaching(t *testing.T) {
	broker := &fakeBroker{prefix: "redpocket"}
	d := NewDiscoveryManager(broker, nil, nil, "sensor")

	cfg := testConfig("redpocket_5551234567_voice_balance")
	first := d.generateDiscoveryConfig(cfg)
	cfg.Name = "changed"
	second := d.generateDiscoveryConfig(cfg)

	if string(first) != string(second) {
		t.Error("expected cached discovery config")
	}
}

func BenchmarkSensorIDSanitization(b *testing.B) {
	for i := 0; i < b.N; i++ {
		sanitizeSensorIDFast("RedPocket 5551234567/Data.Balance")
	}
}
