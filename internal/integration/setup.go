// Package integration sets up a RedPocket account: it logs in, discovers the
// account's lines and builds one coordinator and a set of sensors per line.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"redpocket2mqtt/internal/coordinator"
	"redpocket2mqtt/internal/redpocket"
	"redpocket2mqtt/internal/sensors"
	"redpocket2mqtt/internal/storage"
)

// Account is the carrier session used during setup and polling
type Account interface {
	GetLines(ctx context.Context) ([]redpocket.Line, error)
	GetLineDetails(ctx context.Context, hash string) (*redpocket.LineDetails, error)
}

// ConnectFunc opens a logged-in session.
// It returns an error wrapping redpocket.ErrAuth when the credentials are rejected.
type ConnectFunc func(ctx context.Context, username, password string) (Account, error)

// RedPocketConnect returns a ConnectFunc backed by the RedPocket website
func RedPocketConnect(baseURL string) ConnectFunc {
	return func(ctx context.Context, username, password string) (Account, error) {
		return redpocket.New(ctx, redpocket.Config{
			Username: username,
			Password: password,
			BaseURL:  baseURL,
		})
	}
}

// Options are the user-adjustable settings of an entry
type Options struct {
	ScanInterval     time.Duration
	AttributeSensors bool
}

// Entry is a configured account and everything set up for it
type Entry struct {
	Username     string
	Options      Options
	Lines        []redpocket.Line
	Coordinators map[string]*coordinator.Coordinator // by line number
	Sensors      []*sensors.Sensor
}

// Line returns the line with the given number
func (e *Entry) Line(number string) (redpocket.Line, bool) {
	for _, l := range e.Lines {
		if l.Number == number {
			return l, true
		}
	}
	return redpocket.Line{}, false
}

// Coordinator returns the coordinator of a line
func (e *Entry) Coordinator(number string) (*coordinator.Coordinator, bool) {
	c, ok := e.Coordinators[number]
	return c, ok
}

// SensorsForLine returns the sensors of one line
func (e *Entry) SensorsForLine(number string) []*sensors.Sensor {
	var out []*sensors.Sensor
	for _, s := range e.Sensors {
		if s.Line().Number == number {
			out = append(out, s)
		}
	}
	return out
}

// Setup discovers the account's lines and builds their coordinators and sensors.
// When history is non-nil each coordinator is seeded with the line's last stored snapshot.
func Setup(ctx context.Context, account Account, username string, opts Options, history storage.Storage, logger *log.Logger) (*Entry, error) {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}

	lines, err := account.GetLines(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list lines: %w", err)
	}
	logf(logger, "Found %d associated lines with RedPocket account.", len(lines))

	entry := &Entry{
		Username:     username,
		Options:      opts,
		Lines:        lines,
		Coordinators: make(map[string]*coordinator.Coordinator, len(lines)),
	}

	for _, line := range lines {
		line := line
		update := func(ctx context.Context) (*redpocket.LineDetails, error) {
			logf(logger, "Refreshing line details for line: %s (%d)", line.Number, line.AccountID)
			return account.GetLineDetails(ctx, line.Hash)
		}

		c := coordinator.New(fmt.Sprintf("redpocket line %s sensor", line.Number), opts.ScanInterval, update, logger)
		if history != nil {
			seedFromHistory(c, history, line.Number, logger)
			c.Listen(recordHistory(history, line.Number, logger))
		}
		entry.Coordinators[line.Number] = c

		logf(logger, "Configuring sensors for RedPocket Line: %s (%d)", line.Number, line.AccountID)
		entry.Sensors = append(entry.Sensors, sensors.ForLine(line, c, opts.AttributeSensors)...)
	}

	return entry, nil
}

// seedFromHistory loads the last stored snapshot into the coordinator
func seedFromHistory(c *coordinator.Coordinator, history storage.Storage, number string, logger *log.Logger) {
	snap, err := history.GetLastSnapshot(number)
	if err != nil {
		return
	}
	var details redpocket.LineDetails
	if err := json.Unmarshal(snap.Data, &details); err != nil {
		logf(logger, "Ignoring unreadable snapshot for line %s: %v", number, err)
		return
	}
	c.Seed(&details, snap.Timestamp)
}

// recordHistory stores every successful snapshot of a line
func recordHistory(history storage.Storage, number string, logger *log.Logger) coordinator.Listener {
	return func(c *coordinator.Coordinator) {
		if !c.LastUpdateSuccess() {
			return
		}
		data, err := json.Marshal(c.Data())
		if err != nil {
			return
		}
		if err := history.SaveSnapshot(number, c.LastUpdated(), data); err != nil {
			logf(logger, "Failed to store snapshot for line %s: %v", number, err)
			return
		}
		if err := history.TrimSnapshots(number, DefaultHistorySize); err != nil {
			logf(logger, "Failed to trim history for line %s: %v", number, err)
		}
	}
}

func logf(logger *log.Logger, format string, v ...interface{}) {
	if logger != nil {
		logger.Printf("["+Domain+"] "+format, v...)
	}
}
