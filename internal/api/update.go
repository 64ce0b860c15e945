package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"redpocket2mqtt/internal/auth"
	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/updater"
)

// UpdateHandler handles update-related API endpoints
type UpdateHandler struct {
	updater    *updater.Updater
	eventStore *events.Store
	logger     *log.Logger

	updateMu     sync.RWMutex
	updating     bool
	updateStatus *updater.UpdateProgress
}

// NewUpdateHandler creates a new update handler
func NewUpdateHandler(u *updater.Updater, eventStore *events.Store, logger *log.Logger) *UpdateHandler {
	return &UpdateHandler{
		updater:    u,
		eventStore: eventStore,
		logger:     logger,
	}
}

// Check handles GET /api/system/update/check
func (h *UpdateHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.updater == nil {
		writeError(w, http.StatusServiceUnavailable, "Updater not available")
		return
	}
	result, err := h.updater.CheckUpdate(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status handles GET /api/system/update/status
func (h *UpdateHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.updateMu.RLock()
	defer h.updateMu.RUnlock()

	resp := map[string]interface{}{"updating": h.updating}
	if h.updateStatus != nil {
		resp["progress"] = h.updateStatus
	}
	writeJSON(w, http.StatusOK, resp)
}

// Perform handles POST /api/system/update
func (h *UpdateHandler) Perform(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil || !user.IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}
	if h.updater == nil {
		writeError(w, http.StatusServiceUnavailable, "Updater not available")
		return
	}

	h.updateMu.Lock()
	if h.updating {
		h.updateMu.Unlock()
		writeError(w, http.StatusConflict, "Update already in progress")
		return
	}
	h.updating = true
	h.updateStatus = &updater.UpdateProgress{Stage: "starting", Percent: 0}
	h.updateMu.Unlock()

	clientIP := getClientIP(r)

	go func() {
		defer func() {
			h.updateMu.Lock()
			h.updating = false
			h.updateMu.Unlock()
		}()

		err := h.updater.PerformUpdate(context.Background(), func(p updater.UpdateProgress) {
			h.updateMu.Lock()
			h.updateStatus = &p
			h.updateMu.Unlock()
			h.logger.Printf("[update] %s (%d%%)", p.Stage, p.Percent)
		})

		if err != nil {
			h.eventStore.Add(events.EventSystemUpdate, user.Username, clientIP, false, err.Error())
			h.logger.Printf("[update] Update failed: %v", err)

			h.updateMu.Lock()
			h.updateStatus = &updater.UpdateProgress{
				Stage:   "failed",
				Percent: 0,
				Message: err.Error(),
			}
			h.updateMu.Unlock()
			return
		}

		h.eventStore.Add(events.EventSystemUpdate, user.Username, clientIP, true, "")
		h.logger.Println("[update] Update completed successfully")

		// Let clients read the final status
		time.Sleep(2 * time.Second)

		h.logger.Println("[update] Restarting service...")
		if err := h.updater.RestartService(); err != nil {
			h.logger.Printf("[update] Failed to restart service: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"message": "Update started. Check /api/system/update/status for progress.",
	})
}

// Version handles GET /api/system/version
func (h *UpdateHandler) Version(w http.ResponseWriter, r *http.Request) {
	if h.updater == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"version": "unknown",
			"isDev":   true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.updater.GetCurrentVersion(),
		"isDev":   updater.IsDev(h.updater.GetCurrentVersion()),
	})
}
