package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/platform"
)

// PlatformHandler handles platform management endpoints
type PlatformHandler struct {
	registry   *platform.Registry
	eventStore *events.Store
}

// NewPlatformHandler creates new platform handler
func NewPlatformHandler(registry *platform.Registry, eventStore *events.Store) *PlatformHandler {
	return &PlatformHandler{registry: registry, eventStore: eventStore}
}

// List handles GET /api/platforms
func (h *PlatformHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"platforms": []*platform.Info{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"platforms": h.registry.ListInfo()})
}

// Get handles GET /api/platforms/{name}
func (h *PlatformHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, "Platform not found")
		return
	}
	info, err := h.registry.GetInfo(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Platform not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Enable handles POST /api/platforms/{name}/enable
func (h *PlatformHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

// Disable handles POST /api/platforms/{name}/disable
func (h *PlatformHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *PlatformHandler) toggle(w http.ResponseWriter, r *http.Request, enable bool) {
	name := chi.URLParam(r, "name")
	if h.registry == nil {
		writeError(w, http.StatusNotFound, "Platform not found")
		return
	}
	if _, ok := h.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "Platform not found")
		return
	}

	eventType := events.EventPlatformDisable
	var err error
	if enable {
		eventType = events.EventPlatformEnable
		err = h.registry.EnablePlatform(r.Context(), name)
	} else {
		err = h.registry.DisablePlatform(r.Context(), name)
	}

	if err != nil {
		h.eventStore.Add(eventType, usernameFrom(r), getClientIP(r), false, name+": "+err.Error())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.eventStore.Add(eventType, usernameFrom(r), getClientIP(r), true, name)

	info, _ := h.registry.GetInfo(name)
	writeJSON(w, http.StatusOK, info)
}
