package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// WSTokenStore issues one-time tokens for the live updates WebSocket.
// Browsers cannot set headers on a WebSocket handshake, so the client trades
// its session for a short-lived token passed in the query string.
type WSTokenStore struct {
	mu       sync.Mutex
	tokens   map[string]*wsTokenEntry
	ttl      time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

type wsTokenEntry struct {
	user      *User
	createdAt time.Time
}

const (
	// WSTokenTTL is how long a token is valid
	WSTokenTTL = 30 * time.Second
	// WSTokenLength is the byte length of the token (will be hex encoded to 2x)
	WSTokenLength = 32
)

// NewWSTokenStore creates a new WebSocket token store
func NewWSTokenStore() *WSTokenStore {
	store := &WSTokenStore{
		tokens: make(map[string]*wsTokenEntry),
		ttl:    WSTokenTTL,
		done:   make(chan struct{}),
	}
	go store.cleanupLoop()
	return store
}

// Generate creates a new one-time token for a user
func (s *WSTokenStore) Generate(user *User) (string, error) {
	bytes := make([]byte, WSTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(bytes)

	s.mu.Lock()
	s.tokens[token] = &wsTokenEntry{
		user:      user,
		createdAt: time.Now(),
	}
	s.mu.Unlock()

	return token, nil
}

// Validate consumes a token and returns the user it was issued for
func (s *WSTokenStore) Validate(token string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tokens[token]
	if !exists {
		return nil, false
	}

	// One-time use
	delete(s.tokens, token)

	if time.Since(entry.createdAt) > s.ttl {
		return nil, false
	}

	return entry.user, true
}

// Stop ends the cleanup goroutine
func (s *WSTokenStore) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *WSTokenStore) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes all expired tokens
func (s *WSTokenStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for token, entry := range s.tokens {
		if now.Sub(entry.createdAt) > s.ttl {
			delete(s.tokens, token)
		}
	}
}
