package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"redpocket2mqtt/internal/redpocket"
)

// UpdateFunc fetches a fresh details snapshot
type UpdateFunc func(ctx context.Context) (*redpocket.LineDetails, error)

// Listener is called after every refresh, successful or not
type Listener func(c *Coordinator)

// UpdateFailed wraps the error of a failed refresh
type UpdateFailed struct {
	Name string
	Err  error
}

func (e *UpdateFailed) Error() string {
	return fmt.Sprintf("error fetching %s data: %v", e.Name, e.Err)
}

func (e *UpdateFailed) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether the failure was caused by rejected credentials
func (e *UpdateFailed) IsAuthError() bool {
	return errors.Is(e.Err, redpocket.ErrAuth)
}

// Coordinator polls one line and caches its latest snapshot
type Coordinator struct {
	name     string
	interval time.Duration
	update   UpdateFunc
	logger   *log.Logger

	refreshMu sync.Mutex // serializes refreshes

	mu          sync.RWMutex
	data        *redpocket.LineDetails
	lastUpdated time.Time
	lastSuccess bool
	lastErr     error
	listeners   map[int]Listener
	nextID      int
}

// New creates a coordinator
func New(name string, interval time.Duration, update UpdateFunc, logger *log.Logger) *Coordinator {
	return &Coordinator{
		name:      name,
		interval:  interval,
		update:    update,
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Name returns the coordinator name
func (c *Coordinator) Name() string {
	return c.name
}

// Interval returns the refresh interval
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Seed sets cached data without running the update, e.g. from stored history
func (c *Coordinator) Seed(data *redpocket.LineDetails, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = data
		c.lastUpdated = at
	}
}

// Refresh runs the update once and notifies listeners
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	data, err := c.update(ctx)

	c.mu.Lock()
	if err != nil {
		err = &UpdateFailed{Name: c.name, Err: err}
		c.lastSuccess = false
		c.lastErr = err
	} else {
		c.data = data
		c.lastUpdated = time.Now()
		c.lastSuccess = true
		c.lastErr = nil
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	if err != nil && c.logger != nil {
		var uf *UpdateFailed
		if errors.As(err, &uf) && uf.IsAuthError() {
			c.logger.Printf("[%s] Unable to update line data, invalid credentials!", c.name)
		} else {
			c.logger.Printf("[%s] Unable to update line data, unknown error! %v", c.name, err)
		}
	}

	for _, l := range listeners {
		l(c)
	}

	return err
}

// Run refreshes immediately and then on every interval until ctx is done
func (c *Coordinator) Run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.Refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Data returns the latest successful snapshot, nil before the first one
func (c *Coordinator) Data() *redpocket.LineDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// LastUpdated returns when Data was last replaced
func (c *Coordinator) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// LastUpdateSuccess reports whether the most recent refresh succeeded
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastError returns the error of the most recent refresh, if any
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Listen registers fn and returns a func that removes it
func (c *Coordinator) Listen(fn Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}
