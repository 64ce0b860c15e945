package integration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"redpocket2mqtt/internal/config"
	"redpocket2mqtt/internal/coordinator"
	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/redpocket"
	"redpocket2mqtt/internal/storage"
)

var (
	// ErrNotConfigured is returned when no account credentials are available
	ErrNotConfigured = errors.New("no RedPocket credentials configured")

	// ErrLineNotFound is returned for an unknown line number
	ErrLineNotFound = errors.New("line not found")
)

// Setup retry bounds when the account is unreachable
const (
	setupRetryMin = 30 * time.Second
	setupRetryMax = 15 * time.Minute
)

// Forwarder receives entries once they are set up, e.g. the platform registry
type Forwarder interface {
	SetupEntry(ctx context.Context, entry *Entry) error
	UnloadEntry(ctx context.Context) error
}

// Credentials are the carrier account credentials
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LineUpdate is emitted after every coordinator refresh
type LineUpdate struct {
	Line      string                 `json:"line"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Details   *redpocket.LineDetails `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// OptionsUpdate changes an existing entry. Zero fields are left untouched.
type OptionsUpdate struct {
	Username         string
	Password         string // blank keeps the stored password
	AttributeSensors *bool
	ScanInterval     *time.Duration
}

// ManagerConfig holds the Manager's dependencies
type ManagerConfig struct {
	Connect   ConnectFunc
	Config    *config.Config
	Storage   storage.Storage
	Events    *events.Store
	Forwarder Forwarder
	Logger    *log.Logger
}

// Manager owns the lifecycle of the single account entry
type Manager struct {
	connect   ConnectFunc
	cfg       *config.Config
	store     storage.Storage
	events    *events.Store
	forwarder Forwarder
	logger    *log.Logger

	opMu sync.Mutex // serializes load and unload

	mu         sync.RWMutex
	baseCtx    context.Context
	entry      *Entry
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	setupErr   error
	generation int

	retryMin time.Duration
	retryMax time.Duration

	subsMu  sync.RWMutex
	subs    map[int]func(LineUpdate)
	nextSub int
}

// NewManager creates a Manager. Call Start to set up the entry.
func NewManager(mc ManagerConfig) *Manager {
	return &Manager{
		connect:   mc.Connect,
		cfg:       mc.Config,
		store:     mc.Storage,
		events:    mc.Events,
		forwarder: mc.Forwarder,
		logger:    mc.Logger,
		baseCtx:   context.Background(),
		retryMin:  setupRetryMin,
		retryMax:  setupRetryMax,
		subs:      make(map[int]func(LineUpdate)),
	}
}

// Start sets up the entry and starts polling.
// Rejected credentials and missing configuration are logged, not returned, so the
// HTTP API stays up to fix them. Other failures are retried in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	if err := m.Reload(ctx); errors.Is(err, ErrNotConfigured) {
		logf(m.logger, "No credentials configured, waiting for POST /api/account")
	}
	return nil
}

// Stop stops polling, cancels pending setup retries and unloads the entry from all platforms
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.generation++
	m.mu.Unlock()

	return m.unload(ctx)
}

// Reload tears down the current entry and sets it up again with the stored settings.
// A transient failure schedules a background retry.
func (m *Manager) Reload(ctx context.Context) error {
	m.opMu.Lock()
	err := m.reloadLocked(ctx)
	gen := m.currentGeneration()
	m.opMu.Unlock()

	if retryable(err) {
		go m.retrySetup(gen)
	}
	return err
}

// reloadLocked unloads and loads the entry. opMu must be held.
func (m *Manager) reloadLocked(ctx context.Context) error {
	if err := m.unload(ctx); err != nil {
		logf(m.logger, "Unload before reload failed: %v", err)
	}

	m.mu.Lock()
	m.generation++
	m.mu.Unlock()

	err := m.load(ctx)

	m.mu.Lock()
	m.setupErr = err
	m.mu.Unlock()

	return err
}

func (m *Manager) currentGeneration() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// retryable reports whether a setup failure may go away on its own
func retryable(err error) bool {
	return err != nil && !errors.Is(err, redpocket.ErrAuth) && !errors.Is(err, ErrNotConfigured)
}

// nextRetryDelay doubles delay up to the configured maximum
func (m *Manager) nextRetryDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > m.retryMax {
		delay = m.retryMax
	}
	return delay
}

// retrySetup retries a failed setup with growing delays until it succeeds,
// fails permanently or a newer reload or Stop supersedes generation gen
func (m *Manager) retrySetup(gen int) {
	m.mu.RLock()
	ctx := m.baseCtx
	m.mu.RUnlock()

	delay := m.retryMin
	for {
		logf(m.logger, "Setup failed, retrying in %v", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		m.opMu.Lock()
		if m.currentGeneration() != gen {
			m.opMu.Unlock()
			return
		}
		err := m.reloadLocked(ctx)
		gen = m.currentGeneration()
		m.opMu.Unlock()

		if !retryable(err) {
			if err == nil {
				logf(m.logger, "Setup succeeded after retry")
			}
			return
		}
		delay = m.nextRetryDelay(delay)
	}
}

// load connects, sets up the entry and starts the coordinators. opMu must be held.
func (m *Manager) load(ctx context.Context) error {
	creds, err := m.Credentials()
	if err != nil {
		return err
	}

	account, err := m.connect(ctx, creds.Username, creds.Password)
	if err != nil {
		if errors.Is(err, redpocket.ErrAuth) {
			logf(m.logger, "Unable to log in to RedPocket, invalid credentials!")
			m.addEvent(events.EventAccountAuthFailed, creds.Username, false, err.Error())
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	entry, err := Setup(ctx, account, creds.Username, m.options(), m.store, m.logger)
	if err != nil {
		return err
	}

	for number, c := range entry.Coordinators {
		c.Listen(m.notify(number))
	}

	if m.forwarder != nil {
		if err := m.forwarder.SetupEntry(ctx, entry); err != nil {
			m.forwarder.UnloadEntry(ctx)
			return fmt.Errorf("failed to set up platforms: %w", err)
		}
	}

	m.mu.Lock()
	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.entry = entry
	m.cancel = cancel
	for _, c := range entry.Coordinators {
		m.wg.Add(1)
		go func(c *coordinator.Coordinator) {
			defer m.wg.Done()
			c.Run(runCtx)
		}(c)
	}
	m.mu.Unlock()

	m.addEvent(events.EventAccountSetup, creds.Username, true, fmt.Sprintf("%d lines", len(entry.Lines)))
	return nil
}

// unload stops the coordinators and unloads the platforms. opMu must be held.
func (m *Manager) unload(ctx context.Context) error {
	m.mu.Lock()
	entry := m.entry
	cancel := m.cancel
	m.entry = nil
	m.cancel = nil
	m.mu.Unlock()

	if entry == nil {
		return nil
	}

	cancel()
	m.wg.Wait()

	if m.forwarder != nil {
		return m.forwarder.UnloadEntry(ctx)
	}
	return nil
}

// notify fans a coordinator refresh out to subscribers and the event log
func (m *Manager) notify(number string) coordinator.Listener {
	return func(c *coordinator.Coordinator) {
		update := LineUpdate{
			Line:      number,
			Success:   c.LastUpdateSuccess(),
			Details:   c.Data(),
			Timestamp: time.Now(),
		}
		if err := c.LastError(); err != nil {
			update.Error = err.Error()
			m.addEvent(events.EventLineUpdateFailed, "", false, number+": "+err.Error())
		} else {
			m.addEvent(events.EventLineUpdated, "", true, number)
		}

		m.subsMu.RLock()
		subs := make([]func(LineUpdate), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
		m.subsMu.RUnlock()

		for _, fn := range subs {
			fn(update)
		}
	}
}

// Subscribe registers fn for every line refresh, across reloads.
// It returns a func that removes the subscription.
func (m *Manager) Subscribe(fn func(LineUpdate)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Entry returns the current entry, nil when not set up
func (m *Manager) Entry() *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entry
}

// SetupError returns the error of the last setup attempt
func (m *Manager) SetupError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.setupErr
}

// RefreshLine refreshes one line now
func (m *Manager) RefreshLine(ctx context.Context, number string) error {
	entry := m.Entry()
	if entry == nil {
		return ErrNotConfigured
	}
	c, ok := entry.Coordinator(number)
	if !ok {
		return ErrLineNotFound
	}
	return c.Refresh(ctx)
}

// Credentials returns the stored credentials, falling back to the config file
func (m *Manager) Credentials() (Credentials, error) {
	var creds Credentials
	if m.store != nil {
		if err := m.store.GetJSON(storageComponent, "credentials", &creds); err == nil && creds.Username != "" && creds.Password != "" {
			return creds, nil
		}
	}
	if m.cfg != nil && m.cfg.Username() != "" && m.cfg.Password() != "" {
		return Credentials{Username: m.cfg.Username(), Password: m.cfg.Password()}, nil
	}
	return Credentials{}, ErrNotConfigured
}

// ValidateCredentials checks that the credentials can log in
func (m *Manager) ValidateCredentials(ctx context.Context, username, password string) error {
	if _, err := m.connect(ctx, username, password); err != nil {
		return err
	}
	return nil
}

// UpdateCredentials validates, stores and applies new credentials
func (m *Manager) UpdateCredentials(ctx context.Context, username, password string) error {
	if err := m.ValidateCredentials(ctx, username, password); err != nil {
		m.addEvent(events.EventAccountAuthFailed, username, false, err.Error())
		return err
	}
	if err := m.saveCredentials(Credentials{Username: username, Password: password}); err != nil {
		return err
	}
	m.addEvent(events.EventCredentialsUpdated, username, true, "")

	return m.reloadWithEvent(ctx)
}

// UpdateOptions applies an options change and reloads the entry
func (m *Manager) UpdateOptions(ctx context.Context, upd OptionsUpdate) error {
	current, err := m.Credentials()
	if err != nil && upd.Username == "" {
		return err
	}

	creds := current
	if upd.Username != "" {
		creds.Username = upd.Username
	}
	if upd.Password != "" {
		creds.Password = upd.Password
	}

	if creds != current {
		if creds.Password == "" {
			return fmt.Errorf("%w: password is required", redpocket.ErrAuth)
		}
		if err := m.ValidateCredentials(ctx, creds.Username, creds.Password); err != nil {
			m.addEvent(events.EventAccountAuthFailed, creds.Username, false, err.Error())
			return err
		}
		if err := m.saveCredentials(creds); err != nil {
			return err
		}
		m.addEvent(events.EventCredentialsUpdated, creds.Username, true, "")
	}

	if m.cfg != nil {
		if upd.AttributeSensors != nil {
			if err := m.cfg.SetAttributeSensors(*upd.AttributeSensors); err != nil {
				return err
			}
		}
		if upd.ScanInterval != nil {
			if err := m.cfg.SetScanInterval(*upd.ScanInterval); err != nil {
				return err
			}
		}
	}
	m.addEvent(events.EventOptionsUpdated, creds.Username, true, "")

	return m.reloadWithEvent(ctx)
}

func (m *Manager) reloadWithEvent(ctx context.Context) error {
	err := m.Reload(ctx)
	details := ""
	if err != nil {
		details = err.Error()
	}
	m.addEvent(events.EventIntegrationReload, "", err == nil, details)
	return err
}

func (m *Manager) saveCredentials(creds Credentials) error {
	if m.store == nil {
		return errors.New("storage is not available")
	}
	if err := m.store.SetJSON(storageComponent, "credentials", creds); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// Options returns the current entry options
func (m *Manager) Options() Options {
	return m.options()
}

func (m *Manager) options() Options {
	opts := Options{ScanInterval: DefaultScanInterval}
	if m.cfg != nil {
		opts.ScanInterval = m.cfg.ScanInterval()
		opts.AttributeSensors = m.cfg.AttributeSensors()
	}
	return opts
}

func (m *Manager) addEvent(t events.EventType, username string, success bool, details string) {
	if m.events != nil {
		m.events.Add(t, username, "", success, details)
	}
}
