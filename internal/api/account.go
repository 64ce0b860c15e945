package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"redpocket2mqtt/internal/config"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/redpocket"
)

// Account error codes
const (
	errInvalidCredentials = "invalid_credentials"
	errCannotConnect      = "cannot_connect"
	errNotConfigured      = "not_configured"
)

// AccountHandler handles the carrier account credential and options flows
type AccountHandler struct {
	manager *integration.Manager
}

// NewAccountHandler creates new account handler.
// The manager records the flow events itself.
func NewAccountHandler(manager *integration.Manager) *AccountHandler {
	return &AccountHandler{manager: manager}
}

// AccountStatus is the response of GET /api/account
type AccountStatus struct {
	Configured       bool   `json:"configured"`
	Username         string `json:"username,omitempty"`
	SetUp            bool   `json:"setUp"`
	Lines            int    `json:"lines"`
	Error            string `json:"error,omitempty"`
	ScanInterval     int    `json:"scanInterval"` // minutes
	AttributeSensors bool   `json:"attributesensors"`
}

// CredentialsRequest is the body of POST /api/account
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// OptionsRequest is the body of PUT /api/account. Omitted fields are unchanged.
type OptionsRequest struct {
	Username         string `json:"username"`
	Password         string `json:"password"` // blank keeps the stored password
	AttributeSensors *bool  `json:"attributesensors"`
	ScanInterval     *int   `json:"scanInterval"` // minutes
}

// Get handles GET /api/account
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	opts := h.manager.Options()
	status := AccountStatus{
		ScanInterval:     int(opts.ScanInterval.Minutes()),
		AttributeSensors: opts.AttributeSensors,
	}

	if creds, err := h.manager.Credentials(); err == nil {
		status.Configured = true
		status.Username = creds.Username
	}
	if entry := h.manager.Entry(); entry != nil {
		status.SetUp = true
		status.Lines = len(entry.Lines)
	}
	if err := h.manager.SetupError(); err != nil {
		status.Error = err.Error()
	}

	writeJSON(w, http.StatusOK, status)
}

// Configure handles POST /api/account.
// The credentials are tested with a login before they are stored.
func (h *AccountHandler) Configure(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if err := h.manager.UpdateCredentials(r.Context(), req.Username, req.Password); err != nil {
		h.writeFlowError(w, err)
		return
	}

	h.Get(w, r)
}

// UpdateOptions handles PUT /api/account
func (h *AccountHandler) UpdateOptions(w http.ResponseWriter, r *http.Request) {
	var req OptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	upd := integration.OptionsUpdate{
		Username:         req.Username,
		Password:         req.Password,
		AttributeSensors: req.AttributeSensors,
	}
	if req.ScanInterval != nil {
		d := time.Duration(*req.ScanInterval) * time.Minute
		if d < config.MinScanInterval || d > config.MaxScanInterval {
			writeError(w, http.StatusBadRequest, "scanInterval is out of range")
			return
		}
		upd.ScanInterval = &d
	}

	if err := h.manager.UpdateOptions(r.Context(), upd); err != nil {
		h.writeFlowError(w, err)
		return
	}

	h.Get(w, r)
}

func (h *AccountHandler) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, redpocket.ErrAuth):
		writeError(w, http.StatusBadRequest, errInvalidCredentials)
	case errors.Is(err, integration.ErrNotConfigured):
		writeError(w, http.StatusConflict, errNotConfigured)
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   errCannotConnect,
			"details": err.Error(),
		})
	}
}
