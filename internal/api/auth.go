package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"redpocket2mqtt/internal/auth"
	"redpocket2mqtt/internal/events"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authenticator *auth.Authenticator
	jwtManager    *auth.JWTManager
	wsTokenStore  *auth.WSTokenStore
	eventStore    *events.Store
	rateLimiter   *auth.LoginRateLimiter
}

// NewAuthHandler creates new auth handler
func NewAuthHandler(authenticator *auth.Authenticator, jwtManager *auth.JWTManager, wsTokenStore *auth.WSTokenStore, rateLimiter *auth.LoginRateLimiter, eventStore *events.Store) *AuthHandler {
	return &AuthHandler{
		authenticator: authenticator,
		jwtManager:    jwtManager,
		wsTokenStore:  wsTokenStore,
		eventStore:    eventStore,
		rateLimiter:   rateLimiter,
	}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Token   string     `json:"token,omitempty"`
	User    *auth.User `json:"user,omitempty"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if allowed, retryAfter := h.rateLimiter.Allow(clientIP); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, LoginResponse{
			Success: false,
			Message: "Too many login attempts",
		})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Invalid request body",
		})
		return
	}

	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Username and password are required",
		})
		return
	}

	user, err := h.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		h.eventStore.Add(events.EventLoginFailed, req.Username, clientIP, false, "")
		writeJSON(w, http.StatusUnauthorized, LoginResponse{
			Success: false,
			Message: "Invalid username or password",
		})
		return
	}

	h.rateLimiter.Reset(clientIP)

	// 30 days with "remember me"
	tokenDuration := h.jwtManager.TokenDuration()
	if req.Remember {
		tokenDuration = 30 * 24 * time.Hour
	}

	token, err := h.jwtManager.GenerateTokenWithDuration(user, tokenDuration)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	auth.SetAuthCookie(w, r, token, int(tokenDuration.Seconds()))
	h.eventStore.Add(events.EventLogin, user.Username, clientIP, true, "")

	writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		Token:   token,
		User:    user,
	})
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearAuthCookie(w)
	h.eventStore.Add(events.EventLogout, usernameFrom(r), getClientIP(r), true, "")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": user,
	})
}

// WSToken handles GET /api/auth/ws-token
// Returns a one-time token for the refresh stream
func (h *AuthHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	token, err := h.wsTokenStore.Generate(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
