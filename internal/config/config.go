package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names
const (
	EnvAddr          = "REDPOCKET_ADDR"
	EnvJWTSecret     = "REDPOCKET_JWT_SECRET"
	EnvJWTExpiration = "REDPOCKET_JWT_EXPIRATION"
	EnvNoAuth        = "REDPOCKET_NO_AUTH"
	EnvAPIUsername   = "REDPOCKET_API_USERNAME"
	EnvAPIPassword   = "REDPOCKET_API_PASSWORD"
	EnvDBPath        = "REDPOCKET_DB_PATH"
	// Carrier account
	EnvUsername         = "REDPOCKET_USERNAME"
	EnvPassword         = "REDPOCKET_PASSWORD"
	EnvScanInterval     = "REDPOCKET_SCAN_INTERVAL"
	EnvAttributeSensors = "REDPOCKET_ATTRIBUTE_SENSORS"
	EnvBaseURL          = "REDPOCKET_BASE_URL"
	// MQTT settings
	EnvMQTTBroker   = "REDPOCKET_MQTT_BROKER"
	EnvMQTTClientID = "REDPOCKET_MQTT_CLIENT_ID"
	EnvMQTTUsername = "REDPOCKET_MQTT_USERNAME"
	EnvMQTTPassword = "REDPOCKET_MQTT_PASSWORD"
	EnvMQTTPrefix   = "REDPOCKET_MQTT_PREFIX"
	EnvMQTTUseTLS   = "REDPOCKET_MQTT_USE_TLS"
	// Self-update; both must be set to enable it
	EnvUpdateRepo      = "REDPOCKET_UPDATE_REPO"
	EnvUpdatePublicKey = "REDPOCKET_UPDATE_PUBLIC_KEY"
)

// Default values
const (
	DefaultAddr          = ":8080"
	DefaultJWTExpiration = 24 * time.Hour
	DefaultNoAuth        = false
	DefaultAPIUsername   = "admin"
	DefaultDBPath        = "redpocket.db"
	// Carrier defaults
	DefaultScanInterval     = 15 * time.Minute
	DefaultAttributeSensors = false
	DefaultBaseURL          = "https://www.redpocket.com"
	// MQTT defaults
	DefaultMQTTBroker   = ""
	DefaultMQTTClientID = "redpocket2mqtt"
	DefaultMQTTUsername = ""
	DefaultMQTTPassword = ""
	DefaultMQTTPrefix   = "redpocket"
	DefaultMQTTUseTLS   = false
)

// Scan interval bounds
const (
	MinScanInterval = time.Minute
	MaxScanInterval = 24 * time.Hour
)

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	// Server settings
	addr   string
	dbPath string

	// Security settings
	jwtSecret     string
	jwtExpiration time.Duration
	noAuth        bool
	apiUsername   string
	apiPassword   string

	// Carrier settings
	username         string
	password         string
	scanInterval     time.Duration
	attributeSensors bool
	baseURL          string

	// MQTT settings
	mqttBroker   string
	mqttClientID string
	mqttUsername string
	mqttPassword string
	mqttPrefix   string
	mqttUseTLS   bool

	// Self-update settings
	updateRepo      string
	updatePublicKey string

	// Unparseable values, reported by validate
	invalid map[string]string
}

// Load loads configuration from .env file or creates it with defaults.
// This is the main entry point for configuration initialization.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	cfg.setDefaults()

	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	// Generate JWT secret if empty
	if cfg.jwtSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.jwtSecret = secret
		cfg.dirty = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.dbPath = DefaultDBPath
	c.jwtSecret = ""
	c.jwtExpiration = DefaultJWTExpiration
	c.noAuth = DefaultNoAuth
	c.apiUsername = DefaultAPIUsername
	c.apiPassword = ""
	// Carrier defaults
	c.username = ""
	c.password = ""
	c.scanInterval = DefaultScanInterval
	c.attributeSensors = DefaultAttributeSensors
	c.baseURL = DefaultBaseURL
	// MQTT defaults
	c.mqttBroker = DefaultMQTTBroker
	c.mqttClientID = DefaultMQTTClientID
	c.mqttUsername = DefaultMQTTUsername
	c.mqttPassword = DefaultMQTTPassword
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = DefaultMQTTUseTLS
	// Self-update is off until configured
	c.updateRepo = ""
	c.updatePublicKey = ""
	c.invalid = nil
}

// loadFromFile reads configuration from .env file.
func (c *Config) loadFromFile() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	values, err := ParseEnvFile(file)
	if err != nil {
		return err
	}

	c.applyValues(values)
	return nil
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) {
	if v, ok := values[EnvAddr]; ok && v != "" {
		c.addr = v
	}
	if v, ok := values[EnvDBPath]; ok && v != "" {
		c.dbPath = v
	}

	if v, ok := values[EnvJWTSecret]; ok && v != "" {
		c.jwtSecret = v
	}
	if v, ok := values[EnvJWTExpiration]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.jwtExpiration = time.Duration(seconds) * time.Second
		}
	}
	if v, ok := values[EnvNoAuth]; ok {
		c.noAuth = parseBool(v)
	}
	if v, ok := values[EnvAPIUsername]; ok && v != "" {
		c.apiUsername = v
	}
	if v, ok := values[EnvAPIPassword]; ok {
		c.apiPassword = v
	}

	// Carrier settings
	if v, ok := values[EnvUsername]; ok {
		c.username = v
	}
	if v, ok := values[EnvPassword]; ok {
		c.password = v
	}
	if v, ok := values[EnvScanInterval]; ok && v != "" {
		// Out of range values are kept so validate reports them
		if minutes, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.scanInterval = time.Duration(minutes) * time.Minute
		} else {
			c.markInvalid(EnvScanInterval, v)
		}
	}
	if v, ok := values[EnvAttributeSensors]; ok {
		c.attributeSensors = parseBool(v)
	}
	if v, ok := values[EnvBaseURL]; ok && v != "" {
		c.baseURL = strings.TrimRight(v, "/")
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
	if v, ok := values[EnvMQTTClientID]; ok && v != "" {
		c.mqttClientID = v
	}
	if v, ok := values[EnvMQTTUsername]; ok {
		c.mqttUsername = v
	}
	if v, ok := values[EnvMQTTPassword]; ok {
		c.mqttPassword = v
	}
	if v, ok := values[EnvMQTTPrefix]; ok && v != "" {
		c.mqttPrefix = v
	}
	if v, ok := values[EnvMQTTUseTLS]; ok {
		c.mqttUseTLS = parseBool(v)
	}

	// Self-update settings
	if v, ok := values[EnvUpdateRepo]; ok {
		c.updateRepo = strings.TrimSpace(v)
	}
	if v, ok := values[EnvUpdatePublicKey]; ok {
		c.updatePublicKey = strings.TrimSpace(v)
	}
}

// markInvalid records a value that could not be parsed
func (c *Config) markInvalid(key, value string) {
	if c.invalid == nil {
		c.invalid = make(map[string]string)
	}
	c.invalid[key] = value
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	if v, ok := c.invalid[EnvScanInterval]; ok {
		return fmt.Errorf("invalid scan interval %q: must be a whole number of minutes", v)
	}

	if err := validateAddr(c.addr); err != nil {
		return err
	}

	if c.jwtExpiration < time.Minute {
		return errors.New("JWT expiration must be at least 1 minute")
	}
	if c.jwtExpiration > 365*24*time.Hour {
		return errors.New("JWT expiration cannot exceed 1 year")
	}

	if c.dbPath == "" || strings.ContainsAny(c.dbPath, "\x00") {
		return errors.New("database path is invalid")
	}

	if err := validateScanInterval(c.scanInterval); err != nil {
		return err
	}

	u, err := url.Parse(c.baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base URL: %s", c.baseURL)
	}

	if strings.ContainsAny(c.mqttPrefix, "#+") {
		return errors.New("MQTT prefix cannot contain wildcards")
	}

	if c.updateRepo != "" {
		owner, name, ok := strings.Cut(c.updateRepo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("update repository must be owner/name: %s", c.updateRepo)
		}
	}

	return nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("server address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		if _, err := strconv.Atoi(strings.TrimPrefix(addr, ":")); err != nil {
			return fmt.Errorf("invalid server address format: %s", addr)
		}
		return nil
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %s", port)
	}
	return nil
}

func validateScanInterval(d time.Duration) error {
	if d < MinScanInterval || d > MaxScanInterval {
		return fmt.Errorf("scan interval must be between %d and %d minutes",
			int(MinScanInterval.Minutes()), int(MaxScanInterval.Minutes()))
	}
	return nil
}

// Save writes current configuration to .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := WriteEnvFile(filePath, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:          c.addr,
		EnvDBPath:        c.dbPath,
		EnvJWTSecret:     c.jwtSecret,
		EnvJWTExpiration: strconv.Itoa(int(c.jwtExpiration.Seconds())),
		EnvNoAuth:        strconv.FormatBool(c.noAuth),
		EnvAPIUsername:   c.apiUsername,
		EnvAPIPassword:   c.apiPassword,
		// Carrier settings
		EnvUsername:         c.username,
		EnvPassword:         c.password,
		EnvScanInterval:     strconv.Itoa(int(c.scanInterval.Minutes())),
		EnvAttributeSensors: strconv.FormatBool(c.attributeSensors),
		EnvBaseURL:          c.baseURL,
		// MQTT settings
		EnvMQTTBroker:   c.mqttBroker,
		EnvMQTTClientID: c.mqttClientID,
		EnvMQTTUsername: c.mqttUsername,
		EnvMQTTPassword: c.mqttPassword,
		EnvMQTTPrefix:   c.mqttPrefix,
		EnvMQTTUseTLS:   strconv.FormatBool(c.mqttUseTLS),
		// Self-update settings
		EnvUpdateRepo:      c.updateRepo,
		EnvUpdatePublicKey: c.updatePublicKey,
	}
}

// Getters (thread-safe)

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// JWTSecret returns the JWT secret key.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtSecret
}

// JWTExpiration returns the JWT token expiration duration.
func (c *Config) JWTExpiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtExpiration
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// APIUsername returns the username accepted by the HTTP API.
func (c *Config) APIUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiUsername
}

// APIPassword returns the HTTP API password (plain text or bcrypt hash).
func (c *Config) APIPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiPassword
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// Carrier Getters

// Username returns the RedPocket account username.
func (c *Config) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Password returns the RedPocket account password.
func (c *Config) Password() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.password
}

// ScanInterval returns the line polling interval.
func (c *Config) ScanInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanInterval
}

// AttributeSensors returns whether plan/status/expiration sensors are exposed.
func (c *Config) AttributeSensors() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attributeSensors
}

// BaseURL returns the RedPocket website URL.
func (c *Config) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// MQTTClientID returns the MQTT client ID.
func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

// MQTTUsername returns the MQTT username.
func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

// MQTTPassword returns the MQTT password.
func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

// MQTTPrefix returns the MQTT topic prefix.
func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// Self-update Getters

// UpdateRepo returns the GitHub owner/name releases are fetched from.
func (c *Config) UpdateRepo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateRepo
}

// UpdatePublicKey returns the minisign public key release archives must be signed with.
func (c *Config) UpdatePublicKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatePublicKey
}

// UpdatesEnabled reports whether both self-update settings are present.
func (c *Config) UpdatesEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateRepo != "" && c.updatePublicKey != ""
}

// Setters (thread-safe, auto-save)

// SetAddr sets the server address and saves to file.
func (c *Config) SetAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}

	c.mu.Lock()
	c.addr = addr
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetJWTSecret sets the JWT secret and saves to file.
func (c *Config) SetJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT secret cannot be empty")
	}

	c.mu.Lock()
	c.jwtSecret = secret
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetNoAuth sets the no-auth flag and saves to file.
func (c *Config) SetNoAuth(noAuth bool) error {
	c.mu.Lock()
	c.noAuth = noAuth
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetScanInterval sets the polling interval and saves to file.
// Readers never observe a rejected value.
func (c *Config) SetScanInterval(d time.Duration) error {
	if err := validateScanInterval(d); err != nil {
		return err
	}

	c.mu.Lock()
	c.scanInterval = d
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetAttributeSensors toggles the attribute sensors and saves to file.
func (c *Config) SetAttributeSensors(enabled bool) error {
	c.mu.Lock()
	c.attributeSensors = enabled
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// Reload reloads configuration from file.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Save current JWT secret in case file doesn't have one
	currentSecret := c.jwtSecret

	c.setDefaults()

	if err := c.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	}

	if c.jwtSecret == "" {
		c.jwtSecret = currentSecret
	}

	return c.validate()
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := "[not set]"
	if c.jwtSecret != "" {
		secretDisplay = "[set]"
	}
	passwordDisplay := "[not set]"
	if c.password != "" {
		passwordDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, DBPath: %q, JWTSecret: %s, JWTExpiration: %v, NoAuth: %v, Username: %q, Password: %s, ScanInterval: %v, AttributeSensors: %v, MQTTBroker: %q}",
		c.addr, c.dbPath, secretDisplay, c.jwtExpiration, c.noAuth,
		c.username, passwordDisplay, c.scanInterval, c.attributeSensors, c.mqttBroker,
	)
}
