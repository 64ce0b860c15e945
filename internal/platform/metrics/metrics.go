// Package metrics exposes line balances and refresh outcomes as Prometheus metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"redpocket2mqtt/internal/coordinator"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/platform"
)

var (
	// LineMetric tracks the numeric sensor values of a line
	LineMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redpocket_line_metric",
			Help: "Current value of a line sensor (balances, days and months remaining)",
		},
		[]string{"line", "metric"},
	)

	// LineUpdateSuccess is 1 when the last refresh of a line succeeded
	LineUpdateSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redpocket_line_update_success",
			Help: "Whether the last refresh of a line succeeded",
		},
		[]string{"line"},
	)

	// LineLastUpdate is the time of the last successful refresh
	LineLastUpdate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redpocket_line_last_update_timestamp_seconds",
			Help: "Unix time of the last successful refresh of a line",
		},
		[]string{"line"},
	)

	// LineUpdateFailures counts failed refreshes
	LineUpdateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redpocket_line_update_failures_total",
			Help: "Total number of failed line refreshes",
		},
		[]string{"line", "kind"},
	)
)

func init() {
	prometheus.MustRegister(LineMetric)
	prometheus.MustRegister(LineUpdateSuccess)
	prometheus.MustRegister(LineLastUpdate)
	prometheus.MustRegister(LineUpdateFailures)
}

// Failure kinds
const (
	KindAuth  = "auth"
	KindOther = "other"
)

// Platform keeps the line gauges current
type Platform struct {
	*platform.Base

	mu     sync.Mutex
	entry  *integration.Entry
	unsubs []func()
}

// New creates the metrics platform
func New() *Platform {
	return &Platform{
		Base: platform.NewBase(
			integration.PlatformMetrics,
			"Prometheus metrics for line balances",
			"1.0.0",
		),
	}
}

// Init initializes the platform
func (p *Platform) Init(ctx context.Context, deps *platform.Dependencies) error {
	p.SetDependencies(deps)
	return nil
}

// Start starts the platform
func (p *Platform) Start(ctx context.Context) error {
	p.Logf("Platform started")
	return nil
}

// Stop stops the platform
func (p *Platform) Stop(ctx context.Context) error {
	return p.UnloadEntry(ctx)
}

// Routes returns the scrape endpoint
func (p *Platform) Routes() []platform.Route {
	return []platform.Route{
		{
			Method:  http.MethodGet,
			Path:    "/metrics",
			Handler: promhttp.Handler().ServeHTTP,
		},
	}
}

// SetupEntry subscribes to every line coordinator and records the current values
func (p *Platform) SetupEntry(ctx context.Context, entry *integration.Entry) error {
	unsubs := make([]func(), 0, len(entry.Coordinators))
	for number, c := range entry.Coordinators {
		number := number
		unsubs = append(unsubs, c.Listen(func(c *coordinator.Coordinator) {
			p.record(number, c, true)
		}))
	}

	p.mu.Lock()
	p.entry = entry
	p.unsubs = unsubs
	p.mu.Unlock()

	for number, c := range entry.Coordinators {
		p.record(number, c, false)
	}
	return nil
}

// UnloadEntry stops listening and drops the series of the entry's lines
func (p *Platform) UnloadEntry(ctx context.Context) error {
	p.mu.Lock()
	entry := p.entry
	unsubs := p.unsubs
	p.entry = nil
	p.unsubs = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if entry == nil {
		return nil
	}

	for _, line := range entry.Lines {
		labels := prometheus.Labels{"line": line.Number}
		LineMetric.DeletePartialMatch(labels)
		LineUpdateSuccess.DeletePartialMatch(labels)
		LineLastUpdate.DeletePartialMatch(labels)
	}
	return nil
}

// record updates the series of one line. refreshed is false for values
// recorded at setup, which must not count as a failed refresh.
func (p *Platform) record(number string, c *coordinator.Coordinator, refreshed bool) {
	p.mu.Lock()
	entry := p.entry
	p.mu.Unlock()
	if entry == nil {
		return
	}

	if err := c.LastError(); err != nil {
		LineUpdateSuccess.WithLabelValues(number).Set(0)
		if refreshed {
			kind := KindOther
			var uf *coordinator.UpdateFailed
			if errors.As(err, &uf) && uf.IsAuthError() {
				kind = KindAuth
			}
			LineUpdateFailures.WithLabelValues(number, kind).Inc()
		}
		return
	}

	if c.LastUpdateSuccess() {
		LineUpdateSuccess.WithLabelValues(number).Set(1)
	}
	if updated := c.LastUpdated(); !updated.IsZero() {
		LineLastUpdate.WithLabelValues(number).Set(float64(updated.Unix()))
	}

	for _, s := range entry.SensorsForLine(number) {
		v, ok := numeric(s.State())
		if !ok {
			LineMetric.DeleteLabelValues(number, s.Key())
			continue
		}
		LineMetric.WithLabelValues(number, s.Key()).Set(v)
	}
}

// numeric converts a sensor state to a gauge value
func numeric(state any) (float64, bool) {
	switch v := state.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
