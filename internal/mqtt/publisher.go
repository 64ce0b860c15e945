package mqtt

import (
	"encoding/json"
	"log"
	"sync"
)

// Publisher provides MQTT publishing for sensor data
type Publisher struct {
	client Broker
	logger *log.Logger

	// Cache of sanitized sensor IDs
	sensorIDCache   map[string]string
	sensorIDCacheMu sync.RWMutex
}

// NewPublisher creates a new Publisher instance
func NewPublisher(client Broker, logger *log.Logger) *Publisher {
	return &Publisher{
		client:        client,
		logger:        logger,
		sensorIDCache: make(map[string]string),
	}
}

// PublishSensorState publishes a single sensor's state and attributes.
// State is retained so Home Assistant picks it up after a restart.
func (p *Publisher) PublishSensorState(data *SensorData) error {
	if data == nil {
		return nil
	}

	sensorID := p.getSanitizedID(data.ID)

	statePayload, err := encodeState(data.Value)
	if err != nil {
		if p.logger != nil {
			p.logger.Printf("[MQTT Publisher] Failed to marshal sensor state: %v", err)
		}
		return err
	}

	if err := p.client.PublishWithQoS("sensor/"+sensorID+"/state", 0, true, statePayload); err != nil {
		if p.logger != nil {
			p.logger.Printf("[MQTT Publisher] Failed to publish sensor %s state: %v", sensorID, err)
		}
		return err
	}

	if len(data.Attributes) > 0 {
		attrsJSON, err := json.Marshal(data.Attributes)
		if err == nil {
			p.client.PublishWithQoS("sensor/"+sensorID+"/attributes", 0, true, attrsJSON)
		}
	}

	return nil
}

// PublishMultipleSensors publishes an array of sensors
func (p *Publisher) PublishMultipleSensors(sensors []*SensorData) error {
	var firstErr error
	for _, sensor := range sensors {
		if err := p.PublishSensorState(sensor); err != nil {
			// Log error but continue publishing others
			if p.logger != nil {
				p.logger.Printf("[MQTT Publisher] Failed to publish sensor %s: %v", sensor.ID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PublishAvailability publishes an entity's online/offline state
func (p *Publisher) PublishAvailability(id string, online bool) error {
	payload := PayloadOffline
	if online {
		payload = PayloadOnline
	}
	return p.client.PublishWithQoS(AvailabilityTopic(id), 1, true, payload)
}

// encodeState renders strings bare and everything else as JSON
func encodeState(v interface{}) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

// getSanitizedID returns cached sanitized sensor ID
func (p *Publisher) getSanitizedID(label string) string {
	p.sensorIDCacheMu.RLock()
	if id, ok := p.sensorIDCache[label]; ok {
		p.sensorIDCacheMu.RUnlock()
		return id
	}
	p.sensorIDCacheMu.RUnlock()

	id := sanitizeSensorIDFast(label)

	p.sensorIDCacheMu.Lock()
	p.sensorIDCache[label] = id
	p.sensorIDCacheMu.Unlock()

	return id
}

// sanitizeSensorIDFast creates a safe ID for MQTT topics
func sanitizeSensorIDFast(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c == ' ' || c == '/' || c == '.' || c == '#' || c == '+':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
