package mqtt

// SensorData represents sensor data for MQTT publishing
type SensorData struct {
	ID         string                 // Unique sensor ID (will be sanitized)
	Value      interface{}            // Current value
	Attributes map[string]interface{} // Additional attributes
}

// SensorConfig contains sensor configuration for Home Assistant Discovery
type SensorConfig struct {
	SensorID string // Unique sensor ID, also the HA unique_id
	Name     string
	Icon     string
	Unit     string

	// MQTT topics, relative to the prefix
	StateTopic        string
	AttributesTopic   string
	AvailabilityTopic string

	DeviceClass    string
	StateClass     string // measurement, total, total_increasing
	EntityCategory string // diagnostic, config

	DeviceInfo *DeviceInfo
}

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string
	Name         string
	Model        string
	Manufacturer string
	SWVersion    string
}

// StateTopic returns the state topic of a sensor, relative to the prefix
func StateTopic(sensorID string) string {
	return "sensor/" + sanitizeSensorIDFast(sensorID) + "/state"
}

// AttributesTopic returns the attributes topic of a sensor, relative to the prefix
func AttributesTopic(sensorID string) string {
	return "sensor/" + sanitizeSensorIDFast(sensorID) + "/attributes"
}

// AvailabilityTopic returns the availability topic of an entity, relative to the prefix
func AvailabilityTopic(id string) string {
	return "sensor/" + sanitizeSensorIDFast(id) + "/availability"
}
