// Package platform forwards a set up account entry to the outputs that
// expose its sensors (MQTT discovery, Prometheus metrics).
package platform

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"redpocket2mqtt/internal/config"
	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/mqtt"
	"redpocket2mqtt/internal/storage"
)

// Platform is the base interface for all platforms
type Platform interface {
	// Name returns the unique platform name (lowercase, no spaces)
	Name() string

	// Description returns the platform description
	Description() string

	// Version returns the platform version (semver)
	Version() string

	// Init initializes the platform
	// Called during application startup before Start
	Init(ctx context.Context, deps *Dependencies) error

	// Start starts the platform
	Start(ctx context.Context) error

	// Stop stops the platform
	// Called during application shutdown or when the platform is disabled
	Stop(ctx context.Context) error

	// Routes returns the platform's HTTP routes
	// Can be nil if the platform doesn't add any routes
	Routes() []Route

	// SetupEntry exposes the entry's sensors
	SetupEntry(ctx context.Context, entry *integration.Entry) error

	// UnloadEntry withdraws everything SetupEntry exposed
	UnloadEntry(ctx context.Context) error
}

// BackgroundTaskRunner is an optional interface for platforms that need to run background tasks
type BackgroundTaskRunner interface {
	// StartBackgroundTasks launches goroutines for background work.
	// The context is cancelled when the platform should stop them.
	StartBackgroundTasks(ctx context.Context) error
}

// Dependencies contains dependencies available to platforms
type Dependencies struct {
	// Config is the application configuration
	Config *config.Config

	// EventStore is the event storage for logging actions
	EventStore *events.Store

	// Logger is the application logger
	Logger *log.Logger

	// Storage is the storage for platform configurations and data
	Storage storage.Storage

	// MQTT services (nil if MQTT is not configured)
	MQTTClient    mqtt.Broker
	MQTTPublisher *mqtt.Publisher
	MQTTDiscovery *mqtt.DiscoveryManager

	// Version is the application version, reported in discovery
	Version string
}

// MQTTConfigured reports whether MQTT publishing is available
func (d *Dependencies) MQTTConfigured() bool {
	return d != nil && d.MQTTClient != nil && d.MQTTPublisher != nil && d.MQTTDiscovery != nil
}

// Route represents a platform's HTTP route
type Route struct {
	// Method is the HTTP method (GET, POST, DELETE, PUT, PATCH)
	Method string

	// Path is the route path, e.g. /api/platforms/sensor/status
	Path string

	// Handler is the request handler
	Handler http.HandlerFunc

	// RequireAuth indicates whether authentication is required for this route
	RequireAuth bool
}

// Info contains platform information for API responses
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Enabled     bool   `json:"enabled"`
	Status      string `json:"status"` // "running", "stopped", "error"
	Error       string `json:"error,omitempty"`
}

// Platform statuses
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// Base is a base structure that platforms can embed
type Base struct {
	name        string
	description string
	version     string
	deps        *Dependencies
	logger      *log.Logger
}

// NewBase creates a new Base
func NewBase(name, description, version string) *Base {
	return &Base{
		name:        name,
		description: description,
		version:     version,
	}
}

// Name implements Platform.Name
func (p *Base) Name() string {
	return p.name
}

// Description implements Platform.Description
func (p *Base) Description() string {
	return p.description
}

// Version implements Platform.Version
func (p *Base) Version() string {
	return p.version
}

// SetDependencies sets the platform's dependencies
func (p *Base) SetDependencies(deps *Dependencies) {
	p.deps = deps
	p.logger = deps.Logger
}

// Deps returns the platform's dependencies
func (p *Base) Deps() *Dependencies {
	return p.deps
}

// Logger returns the platform's logger
func (p *Base) Logger() *log.Logger {
	return p.logger
}

// Logf logs a message prefixed with the platform name
func (p *Base) Logf(format string, v ...interface{}) {
	if p.logger != nil {
		p.logger.Printf("["+p.name+"] "+format, v...)
	}
}

// WriteJSON is a shared helper function for writing JSON responses
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: Failed to encode JSON response: %v", err)
	}
}

// RunPeriodic runs a function periodically until the context is cancelled.
// The task runs once immediately.
//
//	go RunPeriodic(ctx, 30*time.Second, p.Logger(), p.Name(), func(ctx context.Context) error {
//	    return p.check(ctx)
//	})
func RunPeriodic(ctx context.Context, interval time.Duration, logger *log.Logger, name string, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := task(ctx); err != nil && logger != nil {
		logger.Printf("[%s] Background task error: %v", name, err)
	}

	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Printf("[%s] Background task stopped", name)
			}
			return
		case <-ticker.C:
			if err := task(ctx); err != nil && logger != nil {
				logger.Printf("[%s] Background task error: %v", name, err)
			}
		}
	}
}
