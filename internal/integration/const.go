package integration

import (
	"fmt"
	"time"

	"redpocket2mqtt/internal/sensors"
)

// Base component constants
const (
	Name         = "RedPocket Mobile"
	Domain       = "redpocket"
	DefaultName  = "redpocket"
	Attribution  = sensors.Attribution
	IssueURL     = "https://github.com/mbillow/ha-redpocket/issues"
	Manufacturer = "RedPocket Mobile"
)

// Icons
const DefaultIcon = sensors.DefaultIcon

// Platforms
const (
	PlatformSensor  = "sensor"
	PlatformMetrics = "metrics"
)

// Platforms lists every output platform, in setup order
var Platforms = []string{PlatformSensor, PlatformMetrics}

// Configuration and options keys
const (
	ConfUsername         = "username"
	ConfPassword         = "password"
	ConfEnabled          = "enabled"
	ConfAttributeSensors = "attributesensors"
)

// Defaults
const (
	DefaultScanInterval = 15 * time.Minute
	// DefaultHistorySize is the number of snapshots kept per line
	DefaultHistorySize = 500
)

// storageComponent is the storage namespace of the account data
const storageComponent = "account"

// StartupMessage returns the banner logged once at startup
func StartupMessage(version string) string {
	return fmt.Sprintf(`
-------------------------------------------------------------------
%s
Version: %s
This is a custom integration!
If you have any issues with this you need to open an issue here:
%s
-------------------------------------------------------------------
`, Name, version, IssueURL)
}
