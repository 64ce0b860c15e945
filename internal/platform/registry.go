package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/storage"
)

// Registry is the registry of all platforms.
// It implements integration.Forwarder: entries are forwarded to every running platform.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
	order     []string // registration order
	deps      *Dependencies

	// lifeMu serializes platform lifecycle and entry forwarding
	lifeMu   sync.Mutex
	running  map[string]bool
	status   map[string]error
	cancels  map[string]context.CancelFunc
	bgParent context.Context
	entry    *integration.Entry
}

var _ integration.Forwarder = (*Registry)(nil)

// NewRegistry creates a new platform registry
func NewRegistry() *Registry {
	return &Registry{
		platforms: make(map[string]Platform),
		order:     make([]string, 0),
		running:   make(map[string]bool),
		status:    make(map[string]error),
		cancels:   make(map[string]context.CancelFunc),
		bgParent:  context.Background(),
	}
}

// SetDependencies sets the dependencies for all platforms
func (r *Registry) SetDependencies(deps *Dependencies) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps = deps
}

// Deps returns the platform dependencies
func (r *Registry) Deps() *Dependencies {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deps
}

// Register registers a platform in the registry
func (r *Registry) Register(p Platform) error {
	if p == nil {
		return fmt.Errorf("platform cannot be nil")
	}

	name := p.Name()
	if name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.platforms[name]; exists {
		return fmt.Errorf("platform %s is already registered", name)
	}

	r.platforms[name] = p
	r.order = append(r.order, name)

	return nil
}

// Get returns a platform by name
func (r *Registry) Get(name string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.platforms[name]
	return p, ok
}

// All returns all registered platforms in registration order
func (r *Registry) All() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Platform, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.platforms[name])
	}

	return result
}

// Enabled returns only enabled platforms
func (r *Registry) Enabled() []Platform {
	result := make([]Platform, 0)
	for _, p := range r.All() {
		if r.IsEnabled(p.Name()) {
			result = append(result, p)
		}
	}
	return result
}

// IsEnabled checks the stored configuration of a platform
func (r *Registry) IsEnabled(name string) bool {
	deps := r.Deps()
	if deps == nil || deps.Storage == nil {
		return false
	}
	enabled, err := deps.Storage.IsPlatformEnabled(name)
	if err != nil {
		return false
	}
	return enabled
}

// Count returns the total number of registered platforms
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.platforms)
}

// EnsureDefaults enables the named platforms unless a configuration is already stored.
// A platform the user disabled stays disabled.
func (r *Registry) EnsureDefaults(names ...string) error {
	deps := r.Deps()
	if deps == nil || deps.Storage == nil {
		return fmt.Errorf("storage is not configured")
	}

	for _, name := range names {
		_, err := deps.Storage.GetPlatformConfig(name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrPlatformNotFound) {
			return fmt.Errorf("failed to read platform %s config: %w", name, err)
		}
		if err := deps.Storage.EnablePlatform(name); err != nil {
			return fmt.Errorf("failed to enable platform %s: %w", name, err)
		}
	}
	return nil
}

// StartAll initializes and starts all enabled platforms, then launches their
// background tasks under ctx. Rolls back already started platforms on error.
func (r *Registry) StartAll(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.bgParent = ctx
	started := make([]Platform, 0)

	for _, p := range r.Enabled() {
		if err := r.startLocked(ctx, p); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := r.stopLocked(ctx, started[i]); stopErr != nil {
					r.logf("Error stopping platform %s during rollback: %v", started[i].Name(), stopErr)
				}
			}
			return err
		}
		started = append(started, p)
	}

	return nil
}

// StopAll stops all running platforms in reverse order
func (r *Registry) StopAll(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	all := r.All()
	var lastErr error
	for i := len(all) - 1; i >= 0; i-- {
		p := all[i]
		if !r.running[p.Name()] {
			continue
		}
		if err := r.stopLocked(ctx, p); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// startLocked runs Init, Start and the background tasks of p. lifeMu must be held.
func (r *Registry) startLocked(ctx context.Context, p Platform) error {
	name := p.Name()

	if deps := r.Deps(); deps != nil {
		if err := p.Init(ctx, deps); err != nil {
			r.status[name] = err
			return fmt.Errorf("failed to init platform %s: %w", name, err)
		}
	}

	if err := p.Start(ctx); err != nil {
		r.status[name] = err
		return fmt.Errorf("failed to start platform %s: %w", name, err)
	}

	if runner, ok := p.(BackgroundTaskRunner); ok {
		bgCtx, cancel := context.WithCancel(r.bgParent)
		if err := runner.StartBackgroundTasks(bgCtx); err != nil {
			cancel()
			p.Stop(ctx)
			r.status[name] = err
			return fmt.Errorf("failed to start background tasks for platform %s: %w", name, err)
		}
		r.cancels[name] = cancel
	}

	r.running[name] = true
	delete(r.status, name)
	return nil
}

// stopLocked unloads the current entry from p and stops it. lifeMu must be held.
func (r *Registry) stopLocked(ctx context.Context, p Platform) error {
	name := p.Name()

	if r.entry != nil {
		if err := p.UnloadEntry(ctx); err != nil {
			r.logf("Error unloading entry from platform %s: %v", name, err)
		}
	}

	if cancel, ok := r.cancels[name]; ok {
		cancel()
		delete(r.cancels, name)
	}

	delete(r.running, name)

	if err := p.Stop(ctx); err != nil {
		r.status[name] = err
		return fmt.Errorf("failed to stop platform %s: %w", name, err)
	}
	return nil
}

// SetupEntry forwards the entry to every running platform.
// All platforms are tried, the returned error joins their failures.
func (r *Registry) SetupEntry(ctx context.Context, entry *integration.Entry) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.entry = entry

	var errs []error
	for _, p := range r.All() {
		if !r.running[p.Name()] {
			continue
		}
		if err := p.SetupEntry(ctx, entry); err != nil {
			r.status[p.Name()] = err
			errs = append(errs, fmt.Errorf("platform %s: %w", p.Name(), err))
			continue
		}
		delete(r.status, p.Name())
	}
	return errors.Join(errs...)
}

// UnloadEntry unloads the current entry from every running platform
func (r *Registry) UnloadEntry(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.entry == nil {
		return nil
	}
	r.entry = nil

	var errs []error
	for _, p := range r.All() {
		if !r.running[p.Name()] {
			continue
		}
		if err := p.UnloadEntry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("platform %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// EnablePlatform persists the platform as enabled, starts it and sets up the current entry
func (r *Registry) EnablePlatform(ctx context.Context, name string) error {
	p, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("platform %s not found", name)
	}

	deps := r.Deps()
	if deps == nil || deps.Storage == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := deps.Storage.EnablePlatform(name); err != nil {
		return fmt.Errorf("failed to enable platform %s: %w", name, err)
	}

	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.running[name] {
		return nil
	}
	if err := r.startLocked(ctx, p); err != nil {
		return err
	}
	if r.entry != nil {
		if err := p.SetupEntry(ctx, r.entry); err != nil {
			r.status[name] = err
			return fmt.Errorf("failed to set up entry for platform %s: %w", name, err)
		}
	}

	r.logf("Platform %s enabled", name)
	return nil
}

// DisablePlatform unloads the entry from the platform, stops it and persists it as disabled
func (r *Registry) DisablePlatform(ctx context.Context, name string) error {
	p, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("platform %s not found", name)
	}

	deps := r.Deps()
	if deps == nil || deps.Storage == nil {
		return fmt.Errorf("storage is not configured")
	}

	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.running[name] {
		if err := r.stopLocked(ctx, p); err != nil {
			return err
		}
	}
	if err := deps.Storage.DisablePlatform(name); err != nil {
		return fmt.Errorf("failed to disable platform %s: %w", name, err)
	}

	r.logf("Platform %s disabled", name)
	return nil
}

// IsRunning reports whether the platform is started
func (r *Registry) IsRunning(name string) bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	return r.running[name]
}

// GetInfo returns information about a platform
func (r *Registry) GetInfo(name string) (*Info, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("platform %s not found", name)
	}
	return r.info(p), nil
}

// ListInfo returns information about all platforms
func (r *Registry) ListInfo() []*Info {
	all := r.All()
	result := make([]*Info, 0, len(all))
	for _, p := range all {
		result = append(result, r.info(p))
	}
	return result
}

func (r *Registry) info(p Platform) *Info {
	r.lifeMu.Lock()
	running := r.running[p.Name()]
	lastErr := r.status[p.Name()]
	r.lifeMu.Unlock()

	info := &Info{
		Name:        p.Name(),
		Description: p.Description(),
		Version:     p.Version(),
		Enabled:     r.IsEnabled(p.Name()),
		Status:      StatusStopped,
	}
	switch {
	case lastErr != nil:
		info.Status = StatusError
		info.Error = lastErr.Error()
	case running:
		info.Status = StatusRunning
	}
	return info
}

func (r *Registry) logf(format string, v ...interface{}) {
	if deps := r.Deps(); deps != nil && deps.Logger != nil {
		deps.Logger.Printf("[platform] "+format, v...)
	}
}
