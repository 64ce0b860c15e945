// Package sensor publishes every line sensor to Home Assistant through MQTT discovery
package sensor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"redpocket2mqtt/internal/coordinator"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/mqtt"
	"redpocket2mqtt/internal/platform"
	"redpocket2mqtt/internal/sensors"
)

// watchdogInterval is how often the broker connection is checked
const watchdogInterval = 30 * time.Second

// Platform publishes sensor states, attributes and availability
type Platform struct {
	*platform.Base

	mu          sync.Mutex
	entry       *integration.Entry
	unsubs      []func()
	connected   bool
	lastPublish time.Time

	watchdogInterval time.Duration
}

// Status is the MQTT publishing state reported over HTTP
type Status struct {
	Configured  bool      `json:"configured"`
	Connected   bool      `json:"connected"`
	BrokerURL   string    `json:"brokerUrl,omitempty"`
	TopicPrefix string    `json:"topicPrefix,omitempty"`
	Sensors     int       `json:"sensors"`
	LastPublish time.Time `json:"lastPublish,omitempty"`
}

// New creates the sensor platform
func New() *Platform {
	return &Platform{
		Base: platform.NewBase(
			integration.PlatformSensor,
			"Home Assistant sensors over MQTT discovery",
			"1.0.0",
		),
		watchdogInterval: watchdogInterval,
	}
}

// Init initializes the platform
func (p *Platform) Init(ctx context.Context, deps *platform.Dependencies) error {
	p.SetDependencies(deps)
	if !deps.MQTTConfigured() {
		p.Logf("MQTT is not configured, sensors will not be published")
	}
	p.Logf("Platform initialized")
	return nil
}

// Start starts the platform
func (p *Platform) Start(ctx context.Context) error {
	p.Logf("Platform started")
	return nil
}

// Stop stops the platform
func (p *Platform) Stop(ctx context.Context) error {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.entry = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	p.Logf("Platform stopped")
	return nil
}

// Routes returns the platform's HTTP routes
func (p *Platform) Routes() []platform.Route {
	return []platform.Route{
		{
			Method:      http.MethodGet,
			Path:        "/api/platforms/sensor/status",
			Handler:     p.handleStatus,
			RequireAuth: true,
		},
		{
			Method:      http.MethodPost,
			Path:        "/api/platforms/sensor/republish",
			Handler:     p.handleRepublish,
			RequireAuth: true,
		},
	}
}

// SetupEntry subscribes to every line coordinator and publishes the entry's sensors
func (p *Platform) SetupEntry(ctx context.Context, entry *integration.Entry) error {
	unsubs := make([]func(), 0, len(entry.Coordinators))
	for number, c := range entry.Coordinators {
		number := number
		unsubs = append(unsubs, c.Listen(func(*coordinator.Coordinator) {
			p.publishLine(number)
		}))
	}

	p.mu.Lock()
	p.entry = entry
	p.unsubs = unsubs
	p.mu.Unlock()

	if !p.ready() {
		p.Logf("MQTT not connected, publishing of %d sensors deferred", len(entry.Sensors))
		return nil
	}
	return p.publishAll()
}

// UnloadEntry stops listening and marks every sensor offline
func (p *Platform) UnloadEntry(ctx context.Context) error {
	p.mu.Lock()
	entry := p.entry
	unsubs := p.unsubs
	p.entry = nil
	p.unsubs = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if entry == nil || !p.ready() {
		return nil
	}

	publisher := p.Deps().MQTTPublisher
	for _, s := range entry.Sensors {
		if err := publisher.PublishAvailability(s.UniqueID(), false); err != nil {
			p.Logf("Failed to mark %s offline: %v", s.UniqueID(), err)
		}
	}
	return nil
}

// StartBackgroundTasks republishes after a broker reconnect or an entity set change
func (p *Platform) StartBackgroundTasks(ctx context.Context) error {
	if !p.Deps().MQTTConfigured() {
		return nil
	}
	go platform.RunPeriodic(ctx, p.watchdogInterval, p.Logger(), p.Name(), p.checkConnection)
	return nil
}

func (p *Platform) checkConnection(ctx context.Context) error {
	deps := p.Deps()
	connected := deps.MQTTClient.IsConnected()

	p.mu.Lock()
	wasConnected := p.connected
	p.connected = connected
	entry := p.entry
	p.mu.Unlock()

	if !connected || entry == nil {
		return nil
	}
	if !wasConnected || deps.MQTTDiscovery.ShouldRepublishDiscovery(len(entry.Sensors)) {
		return p.publishAll()
	}
	return nil
}

// ready reports whether MQTT is configured and connected
func (p *Platform) ready() bool {
	deps := p.Deps()
	return deps.MQTTConfigured() && deps.MQTTClient.IsConnected()
}

// publishAll publishes discovery for every sensor, then every line's state
func (p *Platform) publishAll() error {
	p.mu.Lock()
	entry := p.entry
	p.mu.Unlock()
	if entry == nil {
		return nil
	}

	deps := p.Deps()
	configs := make([]*mqtt.SensorConfig, 0, len(entry.Sensors))
	for _, s := range entry.Sensors {
		configs = append(configs, p.discoveryConfig(s))
	}
	if err := deps.MQTTDiscovery.PublishMultipleDiscoveryConfigs(configs); err != nil {
		return err
	}

	for _, line := range entry.Lines {
		p.publishLine(line.Number)
	}
	return nil
}

// publishLine publishes state, attributes and availability of one line's sensors
func (p *Platform) publishLine(number string) {
	p.mu.Lock()
	entry := p.entry
	p.mu.Unlock()
	if entry == nil || !p.ready() {
		return
	}

	sensors := entry.SensorsForLine(number)
	online := make([]bool, len(sensors))
	states := make([]*mqtt.SensorData, 0, len(sensors))
	for i, s := range sensors {
		online[i] = s.Available() && s.Coordinator().LastError() == nil
		if online[i] {
			states = append(states, &mqtt.SensorData{
				ID:         s.UniqueID(),
				Value:      s.State(),
				Attributes: s.Attributes(),
			})
		}
	}

	// States go out before availability
	publisher := p.Deps().MQTTPublisher
	if err := publisher.PublishMultipleSensors(states); err != nil {
		p.Logf("Failed to publish line %s: %v", number, err)
		return
	}
	for i, s := range sensors {
		if err := publisher.PublishAvailability(s.UniqueID(), online[i]); err != nil {
			p.Logf("Failed to publish availability of %s: %v", s.UniqueID(), err)
		}
	}

	p.mu.Lock()
	p.lastPublish = time.Now()
	p.mu.Unlock()
}

// discoveryConfig builds the Home Assistant config of a sensor
func (p *Platform) discoveryConfig(s *sensors.Sensor) *mqtt.SensorConfig {
	line := s.Line()
	model := line.Plan
	if model == "" {
		model = line.ProductCode
	}

	id := s.UniqueID()
	return &mqtt.SensorConfig{
		SensorID:          id,
		Name:              s.Name(),
		Icon:              s.Icon(),
		Unit:              s.Unit(),
		StateTopic:        mqtt.StateTopic(id),
		AttributesTopic:   mqtt.AttributesTopic(id),
		AvailabilityTopic: mqtt.AvailabilityTopic(id),
		StateClass:        s.StateClass(),
		EntityCategory:    s.EntityCategory(),
		DeviceInfo: &mqtt.DeviceInfo{
			Identifiers:  []string{integration.Domain + "_" + line.Number},
			Name:         integration.Name + " " + line.Number,
			Model:        model,
			Manufacturer: integration.Manufacturer,
			SWVersion:    p.Deps().Version,
		},
	}
}

func (p *Platform) handleStatus(w http.ResponseWriter, r *http.Request) {
	deps := p.Deps()

	p.mu.Lock()
	status := Status{LastPublish: p.lastPublish}
	if p.entry != nil {
		status.Sensors = len(p.entry.Sensors)
	}
	p.mu.Unlock()

	status.Configured = deps.MQTTConfigured()
	if status.Configured {
		cfg := deps.MQTTClient.GetConfig()
		status.Connected = deps.MQTTClient.IsConnected()
		status.BrokerURL = cfg.Broker
		status.TopicPrefix = cfg.Prefix
	}

	platform.WriteJSON(w, http.StatusOK, status)
}

func (p *Platform) handleRepublish(w http.ResponseWriter, r *http.Request) {
	if !p.ready() {
		platform.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "MQTT is not connected"})
		return
	}

	p.mu.Lock()
	hasEntry := p.entry != nil
	p.mu.Unlock()
	if !hasEntry {
		platform.WriteJSON(w, http.StatusConflict, map[string]string{"error": "No account is set up"})
		return
	}

	p.Deps().MQTTDiscovery.ClearDiscoveryState()
	if err := p.publishAll(); err != nil {
		platform.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	platform.WriteJSON(w, http.StatusOK, map[string]string{"status": "Discovery republished"})
}
