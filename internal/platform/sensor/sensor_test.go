package sensor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/mqtt"
	"redpocket2mqtt/internal/platform"
	"redpocket2mqtt/internal/redpocket"
)

// fakeBroker records retained payloads by full topic
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	topics    map[string]string
	count     int
}

func newFakeBroker(connected bool) *fakeBroker {
	return &fakeBroker{connected: connected, topics: make(map[string]string)}
}

func (f *fakeBroker) PublishWithQoS(topic string, qos byte, retained bool, payload interface{}) error {
	return f.PublishRaw("redpocket/"+topic, payload, retained)
}

func (f *fakeBroker) PublishRaw(topic string, payload interface{}, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := payload.(type) {
	case []byte:
		f.topics[topic] = string(v)
	case string:
		f.topics[topic] = v
	}
	f.count++
	return nil
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) GetConfig() mqtt.Config {
	return mqtt.Config{Broker: "tcp://broker:1883", Prefix: "redpocket"}
}

func (f *fakeBroker) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// clear drops every retained payload, like a broker restarted without persistence
func (f *fakeBroker) clear() {
	f.mu.Lock()
	f.topics = make(map[string]string)
	f.count = 0
	f.mu.Unlock()
}

func (f *fakeBroker) get(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.topics[topic]
	return v, ok
}

func (f *fakeBroker) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeAccount struct{}

func (fakeAccount) GetLines(ctx context.Context) ([]redpocket.Line, error) {
	return []redpocket.Line{{AccountID: 1001, Number: "5551234567", Hash: "abc", Plan: "eSIM Unlimited"}}, nil
}

func (fakeAccount) GetLineDetails(ctx context.Context, hash string) (*redpocket.LineDetails, error) {
	return &redpocket.LineDetails{
		Number:           "5551234567",
		VoiceBalance:     redpocket.Unlimited,
		MessagingBalance: 300,
		DataBalance:      2048,
	}, nil
}

func newTestPlatform(t *testing.T, broker *fakeBroker) (*Platform, *integration.Entry) {
	t.Helper()
	p := New()
	deps := &platform.Dependencies{
		MQTTClient:    broker,
		MQTTPublisher: mqtt.NewPublisher(broker, nil),
		MQTTDiscovery: mqtt.NewDiscoveryManager(broker, nil, nil, "sensor"),
		Version:       "1.2.3",
	}
	if err := p.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init: %v", err)
	}

	entry, err := integration.Setup(context.Background(), fakeAccount{}, "user", integration.Options{}, nil, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return p, entry
}

const (
	dataState   = "redpocket/sensor/redpocket_5551234567_data_balance/state"
	dataAvail   = "redpocket/sensor/redpocket_5551234567_data_balance/availability"
	voiceState  = "redpocket/sensor/redpocket_5551234567_voice_balance/state"
	voiceAvail  = "redpocket/sensor/redpocket_5551234567_voice_balance/availability"
	dataConfig  = "homeassistant/sensor/redpocket/redpocket_5551234567_data_balance/config"
	voiceConfig = "homeassistant/sensor/redpocket/redpocket_5551234567_voice_balance/config"
)

func TestSetupEntryPublishes(t *testing.T) {
	broker := newFakeBroker(true)
	p, entry := newTestPlatform(t, broker)
	ctx := context.Background()

	if err := p.SetupEntry(ctx, entry); err != nil {
		t.Fatalf("SetupEntry: %v", err)
	}

	raw, ok := broker.get(dataConfig)
	if !ok {
		t.Fatal("discovery config not published")
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("invalid discovery JSON: %v", err)
	}
	if cfg["unique_id"] != "redpocket_5551234567_data_balance" || cfg["unit_of_measurement"] != "MB" {
		t.Errorf("unexpected config %v", cfg)
	}
	device := cfg["device"].(map[string]interface{})
	if device["model"] != "eSIM Unlimited" || device["sw_version"] != "1.2.3" {
		t.Errorf("unexpected device %v", device)
	}

	// No data yet
	if v, _ := broker.get(dataAvail); v != mqtt.PayloadOffline {
		t.Errorf("availability before refresh = %q", v)
	}

	c, _ := entry.Coordinator("5551234567")
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	tests := []struct {
		topic string
		want  string
	}{
		{dataState, "2048"},
		{dataAvail, mqtt.PayloadOnline},
		{voiceAvail, mqtt.PayloadOffline},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got, _ := broker.get(tt.topic); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
	if _, ok := broker.get(voiceState); ok {
		t.Error("unlimited balance published as a state")
	}
	if _, ok := broker.get(voiceConfig); !ok {
		t.Error("unlimited sensor missing from discovery")
	}

	if err := p.UnloadEntry(ctx); err != nil {
		t.Fatalf("UnloadEntry: %v", err)
	}
	if v, _ := broker.get(dataAvail); v != mqtt.PayloadOffline {
		t.Errorf("availability after unload = %q", v)
	}

	// Unloaded platform ignores refreshes
	before := broker.published()
	c.Refresh(ctx)
	if broker.published() != before {
		t.Error("published after unload")
	}
}

func TestDeferredPublish(t *testing.T) {
	broker := newFakeBroker(false)
	p, entry := newTestPlatform(t, broker)
	ctx := context.Background()

	if err := p.SetupEntry(ctx, entry); err != nil {
		t.Fatalf("SetupEntry: %v", err)
	}
	if broker.published() != 0 {
		t.Fatal("published while disconnected")
	}

	p.checkConnection(ctx)
	if broker.published() != 0 {
		t.Fatal("published while disconnected")
	}

	broker.setConnected(true)
	if err := p.checkConnection(ctx); err != nil {
		t.Fatalf("checkConnection: %v", err)
	}
	if _, ok := broker.get(dataConfig); !ok {
		t.Error("discovery not published after reconnect")
	}

	// Still connected and unchanged: nothing to do
	before := broker.published()
	p.checkConnection(ctx)
	if broker.published() != before {
		t.Error("republished without a reconnect")
	}
}

func TestReconnectRepublishes(t *testing.T) {
	broker := newFakeBroker(true)
	p, entry := newTestPlatform(t, broker)
	ctx := context.Background()

	if err := p.SetupEntry(ctx, entry); err != nil {
		t.Fatalf("SetupEntry: %v", err)
	}
	c, _ := entry.Coordinator("5551234567")
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := p.checkConnection(ctx); err != nil {
		t.Fatalf("checkConnection: %v", err)
	}

	broker.setConnected(false)
	broker.clear()
	if err := p.checkConnection(ctx); err != nil {
		t.Fatalf("checkConnection: %v", err)
	}
	// Refreshes during the outage are not published
	c.Refresh(ctx)
	if broker.published() != 0 {
		t.Fatal("published while disconnected")
	}

	broker.setConnected(true)
	if err := p.checkConnection(ctx); err != nil {
		t.Fatalf("checkConnection: %v", err)
	}

	tests := []struct {
		topic string
		want  string
	}{
		{dataState, "2048"},
		{dataAvail, mqtt.PayloadOnline},
		{voiceAvail, mqtt.PayloadOffline},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got, _ := broker.get(tt.topic); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
	for _, topic := range []string{dataConfig, voiceConfig} {
		if _, ok := broker.get(topic); !ok {
			t.Errorf("%s not republished after reconnect", topic)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	broker := newFakeBroker(true)
	p, entry := newTestPlatform(t, broker)
	p.SetupEntry(context.Background(), entry)

	w := httptest.NewRecorder()
	p.handleStatus(w, httptest.NewRequest(http.MethodGet, "/api/platforms/sensor/status", nil))

	var status Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Configured || !status.Connected || status.Sensors != 5 || status.TopicPrefix != "redpocket" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestRepublishHandler(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		setup     bool
		want      int
	}{
		{"disconnected", false, true, http.StatusServiceUnavailable},
		{"no entry", true, false, http.StatusConflict},
		{"ok", true, true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newFakeBroker(tt.connected)
			p, entry := newTestPlatform(t, broker)
			if tt.setup {
				p.SetupEntry(context.Background(), entry)
			}

			w := httptest.NewRecorder()
			p.handleRepublish(w, httptest.NewRequest(http.MethodPost, "/api/platforms/sensor/republish", nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
