package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrPlatformNotFound is returned when a platform has no stored configuration
	ErrPlatformNotFound = errors.New("platform not found")
)

// PlatformConfig represents the stored configuration for a single platform
type PlatformConfig struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`
}

// SnapshotEntry is one stored details snapshot of a line
type SnapshotEntry struct {
	Line      string          `json:"line"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Storage is the interface for platform configuration, component data and line history
type Storage interface {
	// Platform Configuration Methods

	// EnablePlatform enables a platform by name
	EnablePlatform(name string) error

	// DisablePlatform disables a platform by name
	DisablePlatform(name string) error

	// IsPlatformEnabled checks if a platform is enabled.
	// Unknown platforms report false.
	IsPlatformEnabled(name string) (bool, error)

	// GetPlatformConfig returns the configuration for a platform
	GetPlatformConfig(name string) (*PlatformConfig, error)

	// ListPlatforms returns all platform configurations
	ListPlatforms() (map[string]*PlatformConfig, error)

	// Component Data Methods

	// Get retrieves data for a component by key
	// Returns ErrNotFound if the key doesn't exist
	Get(component, key string) ([]byte, error)
	GetString(component, key string) (string, error)
	GetInt(component, key string) (int, error)
	GetBool(component, key string) (bool, error)
	GetJSON(component, key string, v interface{}) error

	// Set stores data for a component by key
	Set(component, key string, value []byte) error
	SetString(component, key string, value string) error
	SetInt(component, key string, value int) error
	SetBool(component, key string, value bool) error
	SetJSON(component, key string, v interface{}) error

	// Delete removes data for a component by key
	Delete(component, key string) error

	// List returns all keys and values for a component
	List(component string) (map[string][]byte, error)

	// DeleteAll removes all data for a component
	DeleteAll(component string) error

	// Line History Methods

	// SaveSnapshot appends a snapshot to the line's history.
	// A snapshot identical to the previous one is skipped.
	SaveSnapshot(line string, timestamp time.Time, data []byte) error

	// GetSnapshots returns up to limit snapshots, oldest first
	GetSnapshots(line string, limit int) ([]SnapshotEntry, error)

	// GetLastSnapshot returns the most recent snapshot or ErrNotFound
	GetLastSnapshot(line string) (*SnapshotEntry, error)

	// TrimSnapshots keeps only the last maxEntries snapshots of a line
	TrimSnapshots(line string, maxEntries int) error

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
