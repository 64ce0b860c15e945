package mqtt

import (
	"encoding/json"
	"log"
	"sync"

	"redpocket2mqtt/internal/storage"
)

// DiscoveryPrefix is the Home Assistant discovery root
const DiscoveryPrefix = "homeassistant"

// discoveryNode groups this bridge's configs under the sensor component
const discoveryNode = "redpocket"

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	mqttClient Broker
	logger     *log.Logger
	storage    storage.Storage
	component  string

	// Cache of pre-generated discovery configs
	discoveryConfigs map[string][]byte
	discoveryMu      sync.RWMutex

	// Sensor IDs of the last published set
	published map[string]struct{}
	mu        sync.RWMutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance
func NewDiscoveryManager(client Broker, logger *log.Logger, storage storage.Storage, component string) *DiscoveryManager {
	return &DiscoveryManager{
		mqttClient:       client,
		logger:           logger,
		storage:          storage,
		component:        component,
		discoveryConfigs: make(map[string][]byte),
		published:        make(map[string]struct{}),
	}
}

// DiscoveryTopic returns the config topic of a sensor
func DiscoveryTopic(sensorID string) string {
	return DiscoveryPrefix + "/sensor/" + discoveryNode + "/" + sanitizeSensorIDFast(sensorID) + "/config"
}

// ShouldRepublishDiscovery checks if discovery configs should be republished
func (d *DiscoveryManager) ShouldRepublishDiscovery(currentSensorCount int) bool {
	d.mu.RLock()
	lastCount := len(d.published)
	d.mu.RUnlock()

	published := lastCount > 0
	if d.storage != nil {
		if v, err := d.storage.GetBool(d.component, "discoveryPublished"); err == nil {
			published = v
		}
	}

	// Republish if never published or the entity set changed size
	return !published || currentSensorCount != lastCount
}

// PublishDiscoveryConfig publishes discovery config for a single sensor
func (d *DiscoveryManager) PublishDiscoveryConfig(cfg *SensorConfig) error {
	if cfg == nil {
		return nil
	}

	configJSON := d.generateDiscoveryConfig(cfg)
	if configJSON == nil {
		return nil
	}

	return d.mqttClient.PublishRaw(DiscoveryTopic(cfg.SensorID), configJSON, true)
}

// PublishMultipleDiscoveryConfigs publishes discovery configs for multiple sensors.
// Sensors published before but missing from configs are removed from Home Assistant.
func (d *DiscoveryManager) PublishMultipleDiscoveryConfigs(configs []*SensorConfig) error {
	current := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		current[cfg.SensorID] = struct{}{}
		if err := d.PublishDiscoveryConfig(cfg); err != nil {
			if d.logger != nil {
				d.logger.Printf("[%s] Failed to publish discovery for %s: %v",
					d.component, cfg.SensorID, err)
			}
		}
	}

	d.mu.Lock()
	var stale []string
	for id := range d.published {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	d.published = current
	d.mu.Unlock()

	for _, id := range stale {
		d.removeDiscoveryConfig(id)
	}

	d.markDiscoveryPublished()

	if d.logger != nil {
		d.logger.Printf("[%s] Published MQTT discovery config for %d sensors",
			d.component, len(configs))
	}

	return nil
}

// generateDiscoveryConfig generates and caches Home Assistant discovery config
func (d *DiscoveryManager) generateDiscoveryConfig(cfg *SensorConfig) []byte {
	d.discoveryMu.RLock()
	if config, ok := d.discoveryConfigs[cfg.SensorID]; ok {
		d.discoveryMu.RUnlock()
		return config
	}
	d.discoveryMu.RUnlock()

	prefix := d.mqttClient.GetConfig().Prefix

	stateTopic := cfg.StateTopic
	if stateTopic == "" {
		stateTopic = StateTopic(cfg.SensorID)
	}

	discoveryConfig := map[string]interface{}{
		"name":        cfg.Name,
		"unique_id":   cfg.SensorID,
		"object_id":   cfg.SensorID,
		"state_topic": joinTopic(prefix, stateTopic),
	}

	if cfg.Unit != "" {
		discoveryConfig["unit_of_measurement"] = cfg.Unit
	}
	if cfg.Icon != "" {
		discoveryConfig["icon"] = cfg.Icon
	}
	if cfg.AttributesTopic != "" {
		discoveryConfig["json_attributes_topic"] = joinTopic(prefix, cfg.AttributesTopic)
	}
	if cfg.DeviceClass != "" {
		discoveryConfig["device_class"] = cfg.DeviceClass
	}
	if cfg.StateClass != "" {
		discoveryConfig["state_class"] = cfg.StateClass
	}
	if cfg.EntityCategory != "" {
		discoveryConfig["entity_category"] = cfg.EntityCategory
	}

	// Entity is available only while the bridge and its line are both online
	availability := []map[string]string{
		{"topic": joinTopic(prefix, StatusTopic)},
	}
	if cfg.AvailabilityTopic != "" {
		availability = append(availability, map[string]string{"topic": joinTopic(prefix, cfg.AvailabilityTopic)})
	}
	discoveryConfig["availability"] = availability
	discoveryConfig["availability_mode"] = "all"
	discoveryConfig["payload_available"] = PayloadOnline
	discoveryConfig["payload_not_available"] = PayloadOffline

	if cfg.DeviceInfo != nil {
		device := map[string]interface{}{
			"identifiers":  cfg.DeviceInfo.Identifiers,
			"name":         cfg.DeviceInfo.Name,
			"model":        cfg.DeviceInfo.Model,
			"manufacturer": cfg.DeviceInfo.Manufacturer,
		}
		if cfg.DeviceInfo.SWVersion != "" {
			device["sw_version"] = cfg.DeviceInfo.SWVersion
		}
		discoveryConfig["device"] = device
	}

	configJSON, err := json.Marshal(discoveryConfig)
	if err != nil {
		if d.logger != nil {
			d.logger.Printf("[%s] Failed to marshal discovery config: %v", d.component, err)
		}
		return nil
	}

	d.discoveryMu.Lock()
	d.discoveryConfigs[cfg.SensorID] = configJSON
	d.discoveryMu.Unlock()

	return configJSON
}

// removeDiscoveryConfig clears a retained config so Home Assistant drops the entity
func (d *DiscoveryManager) removeDiscoveryConfig(sensorID string) {
	if err := d.mqttClient.PublishRaw(DiscoveryTopic(sensorID), []byte{}, true); err != nil {
		if d.logger != nil {
			d.logger.Printf("[%s] Failed to remove discovery for %s: %v", d.component, sensorID, err)
		}
		return
	}

	d.discoveryMu.Lock()
	delete(d.discoveryConfigs, sensorID)
	d.discoveryMu.Unlock()
}

// markDiscoveryPublished marks discovery as published in storage
func (d *DiscoveryManager) markDiscoveryPublished() {
	if d.storage != nil {
		if err := d.storage.SetBool(d.component, "discoveryPublished", true); err != nil {
			if d.logger != nil {
				d.logger.Printf("[%s] Failed to mark discovery as published: %v",
					d.component, err)
			}
		}
	}
}

// ClearDiscoveryState forgets the published set so the next check republishes
func (d *DiscoveryManager) ClearDiscoveryState() {
	d.mu.Lock()
	d.published = make(map[string]struct{})
	d.mu.Unlock()

	d.discoveryMu.Lock()
	d.discoveryConfigs = make(map[string][]byte)
	d.discoveryMu.Unlock()

	if d.storage != nil {
		d.storage.Delete(d.component, "discoveryPublished")
	}

	if d.logger != nil {
		d.logger.Printf("[%s] Discovery state cleared", d.component)
	}
}
