package auth

import (
	"sync"
	"time"
)

// LoginRateLimiter limits login attempts per IP
type LoginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*ipAttempts
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once

	maxAttempts int           // Max attempts before blocking
	window      time.Duration // Time window for counting attempts
	blockTime   time.Duration // How long to block after max attempts
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blocked   bool
	blockEnd  time.Time
}

// NewLoginRateLimiter creates a new rate limiter
// Default: 5 attempts per 2 minutes, block for 5 minutes
func NewLoginRateLimiter() *LoginRateLimiter {
	rl := &LoginRateLimiter{
		attempts:    make(map[string]*ipAttempts),
		now:         time.Now,
		done:        make(chan struct{}),
		maxAttempts: 5,
		window:      2 * time.Minute,
		blockTime:   5 * time.Minute,
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if IP is allowed to attempt login
// Returns (allowed, remainingSeconds until unblock)
func (rl *LoginRateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	att, exists := rl.attempts[ip]

	if !exists {
		rl.attempts[ip] = &ipAttempts{
			count:     1,
			firstTime: now,
		}
		return true, 0
	}

	if att.blocked {
		if now.After(att.blockEnd) {
			att.blocked = false
			att.count = 1
			att.firstTime = now
			return true, 0
		}
		return false, int(att.blockEnd.Sub(now).Seconds())
	}

	if now.Sub(att.firstTime) > rl.window {
		att.count = 1
		att.firstTime = now
		return true, 0
	}

	att.count++

	if att.count > rl.maxAttempts {
		att.blocked = true
		att.blockEnd = now.Add(rl.blockTime)
		return false, int(rl.blockTime.Seconds())
	}

	return true, 0
}

// Reset clears the rate limit for an IP (e.g., after successful login)
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Stop ends the cleanup goroutine
func (rl *LoginRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *LoginRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes expired windows and blocks
func (rl *LoginRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, att := range rl.attempts {
		if !att.blocked && now.Sub(att.firstTime) > rl.window {
			delete(rl.attempts, ip)
		} else if att.blocked && now.After(att.blockEnd) {
			delete(rl.attempts, ip)
		}
	}
}
