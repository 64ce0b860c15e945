package api

import (
	"net/http"
	"strings"

	"redpocket2mqtt/internal/auth"
)

// getClientIP extracts client IP from request, considering reverse proxy headers
func getClientIP(r *http.Request) string {
	// Set by nginx
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	// First entry is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// usernameFrom returns the authenticated user's name, empty when anonymous
func usernameFrom(r *http.Request) string {
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		return user.Username
	}
	return ""
}
