package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for a wrong username or password
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrNoPassword is returned when no API password is configured
	ErrNoPassword = errors.New("API password is not configured")
)

// Role represents user access level
type Role string

// RoleAdmin is the role of the configured API user
const RoleAdmin Role = "admin"

// User represents authenticated user
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin checks if user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CredentialSource provides the configured API login
type CredentialSource interface {
	APIUsername() string
	APIPassword() string
}

// Authenticator checks API logins against the configured username and password.
// The configured password is either a bcrypt hash or plain text.
type Authenticator struct {
	source CredentialSource
}

// NewAuthenticator creates an authenticator reading credentials from source on every attempt
func NewAuthenticator(source CredentialSource) *Authenticator {
	return &Authenticator{source: source}
}

// Authenticate verifies username and password
func (a *Authenticator) Authenticate(username, password string) (*User, error) {
	wantUser := a.source.APIUsername()
	wantPass := a.source.APIPassword()
	if wantPass == "" {
		return nil, ErrNoPassword
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(wantUser)) == 1

	var passOK bool
	if isBcryptHash(wantPass) {
		passOK = bcrypt.CompareHashAndPassword([]byte(wantPass), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(wantPass)) == 1
	}

	if !userOK || !passOK {
		return nil, ErrInvalidCredentials
	}
	return &User{Username: wantUser, Role: RoleAdmin}, nil
}

// HashPassword returns a bcrypt hash suitable for the API password setting
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
