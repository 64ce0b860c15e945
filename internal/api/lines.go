package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/redpocket"
	"redpocket2mqtt/internal/sensors"
)

// lineRefreshTimeout bounds a manual refresh once it is detached from the request
const lineRefreshTimeout = 2 * time.Minute

// LineHandler handles line and sensor endpoints
type LineHandler struct {
	manager    *integration.Manager
	eventStore *events.Store
}

// NewLineHandler creates new line handler
func NewLineHandler(manager *integration.Manager, eventStore *events.Store) *LineHandler {
	return &LineHandler{manager: manager, eventStore: eventStore}
}

// SensorView is the API representation of a sensor
type SensorView struct {
	UniqueID   string         `json:"uniqueId"`
	Name       string         `json:"name"`
	Line       string         `json:"line"`
	State      any            `json:"state"`
	Unit       string         `json:"unit,omitempty"`
	Icon       string         `json:"icon,omitempty"`
	Available  bool           `json:"available"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// LineView is the API representation of a line and its latest snapshot
type LineView struct {
	redpocket.Line
	LastUpdated       *time.Time             `json:"lastUpdated,omitempty"`
	LastUpdateSuccess bool                   `json:"lastUpdateSuccess"`
	Error             string                 `json:"error,omitempty"`
	Details           *redpocket.LineDetails `json:"details,omitempty"`
	Sensors           []SensorView           `json:"sensors"`
}

func sensorView(s *sensors.Sensor) SensorView {
	return SensorView{
		UniqueID:   s.UniqueID(),
		Name:       s.Name(),
		Line:       s.Line().Number,
		State:      s.State(),
		Unit:       s.Unit(),
		Icon:       s.Icon(),
		Available:  s.Available(),
		Attributes: s.Attributes(),
	}
}

func lineView(entry *integration.Entry, line redpocket.Line) LineView {
	view := LineView{Line: line, Sensors: []SensorView{}}
	if c, ok := entry.Coordinator(line.Number); ok {
		if t := c.LastUpdated(); !t.IsZero() {
			view.LastUpdated = &t
		}
		view.LastUpdateSuccess = c.LastUpdateSuccess()
		if err := c.LastError(); err != nil {
			view.Error = err.Error()
		}
		view.Details = c.Data()
	}
	for _, s := range entry.SensorsForLine(line.Number) {
		view.Sensors = append(view.Sensors, sensorView(s))
	}
	return view
}

// List handles GET /api/lines
func (h *LineHandler) List(w http.ResponseWriter, r *http.Request) {
	lines := []LineView{}
	if entry := h.manager.Entry(); entry != nil {
		for _, line := range entry.Lines {
			lines = append(lines, lineView(entry, line))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines})
}

// Get handles GET /api/lines/{number}
func (h *LineHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry := h.manager.Entry()
	if entry == nil {
		writeError(w, http.StatusConflict, errNotConfigured)
		return
	}

	line, ok := entry.Line(chi.URLParam(r, "number"))
	if !ok {
		writeError(w, http.StatusNotFound, "Line not found")
		return
	}
	writeJSON(w, http.StatusOK, lineView(entry, line))
}

// Refresh handles POST /api/lines/{number}/refresh
func (h *LineHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")

	// A dropped client must not abort the refresh half way
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), lineRefreshTimeout)
	defer cancel()

	err := h.manager.RefreshLine(ctx, number)
	switch {
	case errors.Is(err, integration.ErrNotConfigured):
		writeError(w, http.StatusConflict, errNotConfigured)
		return
	case errors.Is(err, integration.ErrLineNotFound):
		writeError(w, http.StatusNotFound, "Line not found")
		return
	}

	details := number
	if err != nil {
		details += ": " + err.Error()
	}
	h.eventStore.Add(events.EventLineRefresh, usernameFrom(r), getClientIP(r), err == nil, details)

	// The entry may have been reloaded meanwhile
	entry := h.manager.Entry()
	if entry == nil {
		writeError(w, http.StatusConflict, errNotConfigured)
		return
	}
	line, ok := entry.Line(number)
	if !ok {
		writeError(w, http.StatusNotFound, "Line not found")
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, lineView(entry, line))
}

// Sensors handles GET /api/sensors
func (h *LineHandler) Sensors(w http.ResponseWriter, r *http.Request) {
	list := []SensorView{}
	if entry := h.manager.Entry(); entry != nil {
		for _, s := range entry.Sensors {
			list = append(list, sensorView(s))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sensors": list})
}
