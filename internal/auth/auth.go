// Package auth implements password hashing and the login/rate-limiting flow
// used both for the fixed server password (§11) and per-user account logins
// (§12): a bcrypt-backed password check plus a sliding-window rate limiter,
// with JWT/HTTP-bearer machinery dropped — the wire protocol (§6.1) is a raw
// stateful TCP connection, so a successful login simply marks that
// connection as authenticated; there's no bearer token to mint or validate.
package auth

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many login attempts, please try again later")
)

// Config configures fixed server-password authentication.
type Config struct {
	ServerPassword string

	// MaxLoginAttempts is the number of allowed failures per window.
	MaxLoginAttempts int
	// LoginWindowSeconds is the duration of the sliding window in seconds.
	LoginWindowSeconds int
}

// loginAttempt records a single remote address's recent failed login
// timestamps.
type loginAttempt struct {
	timestamps []time.Time
}

// rateLimiter tracks failed login attempts per remote address using a
// sliding window.
type rateLimiter struct {
	mu         sync.Mutex
	attempts   map[string]*loginAttempt
	maxFails   int
	windowSize time.Duration
}

func newRateLimiter(maxFails int, windowSize time.Duration) *rateLimiter {
	if maxFails <= 0 {
		maxFails = 5
	}
	if windowSize <= 0 {
		windowSize = 15 * time.Minute
	}
	rl := &rateLimiter{
		attempts:   make(map[string]*loginAttempt),
		maxFails:   maxFails,
		windowSize: windowSize,
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) isAllowed(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, exists := rl.attempts[key]
	if !exists {
		return true
	}
	rl.pruneOld(entry)
	return len(entry.timestamps) < rl.maxFails
}

func (rl *rateLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, exists := rl.attempts[key]
	if !exists {
		entry = &loginAttempt{}
		rl.attempts[key] = entry
	}
	rl.pruneOld(entry)
	entry.timestamps = append(entry.timestamps, time.Now())
}

func (rl *rateLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// pruneOld removes timestamps outside the sliding window. Caller must hold
// the mutex.
func (rl *rateLimiter) pruneOld(entry *loginAttempt) {
	cutoff := time.Now().Add(-rl.windowSize)
	n := 0
	for _, t := range entry.timestamps {
		if t.After(cutoff) {
			entry.timestamps[n] = t
			n++
		}
	}
	entry.timestamps = entry.timestamps[:n]
}

// cleanup periodically removes stale entries to prevent memory growth.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for key, entry := range rl.attempts {
			rl.pruneOld(entry)
			if len(entry.timestamps) == 0 {
				delete(rl.attempts, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) remainingLockout(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, exists := rl.attempts[key]
	if !exists || len(entry.timestamps) == 0 {
		return 0
	}
	rl.pruneOld(entry)
	if len(entry.timestamps) < rl.maxFails {
		return 0
	}
	oldest := entry.timestamps[0]
	return time.Until(oldest.Add(rl.windowSize))
}

// Auth checks the fixed server password (§11's Security/fixedserverpassword)
// with per-remote-address rate limiting.
type Auth struct {
	passwordHash []byte
	limiter      *rateLimiter
}

// New hashes cfg.ServerPassword immediately with bcrypt; the plaintext is
// not retained on the returned Auth.
func New(cfg Config) *Auth {
	if cfg.MaxLoginAttempts == 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LoginWindowSeconds == 0 {
		cfg.LoginWindowSeconds = 900 // 15 minutes
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.ServerPassword), bcrypt.DefaultCost)
	if err != nil {
		// Should essentially never fail with valid input; fall back to a hash
		// that never matches so the server still starts but login always
		// fails closed.
		slog.Error("auth: failed to hash server password", "error", err)
		hash = []byte("$2a$10$INVALIDHASHXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX")
	}

	return &Auth{
		passwordHash: hash,
		limiter:      newRateLimiter(cfg.MaxLoginAttempts, time.Duration(cfg.LoginWindowSeconds)*time.Second),
	}
}

// AuthenticateServer checks password against the configured fixed server
// password, rate-limited per remoteAddr.
func (a *Auth) AuthenticateServer(password, remoteAddr string) error {
	ip := extractIP(remoteAddr)

	if !a.limiter.isAllowed(ip) {
		remaining := a.limiter.remainingLockout(ip)
		slog.Warn("auth: server login rate-limited", "ip", ip, "retry_after_seconds", int(remaining.Seconds()))
		return ErrRateLimited
	}

	if bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) != nil {
		a.limiter.recordFailure(ip)
		return ErrInvalidCredentials
	}

	a.limiter.recordSuccess(ip)
	return nil
}

// IsRateLimited reports whether remoteAddr is currently locked out.
func (a *Auth) IsRateLimited(remoteAddr string) bool {
	return !a.limiter.isAllowed(extractIP(remoteAddr))
}

// RemainingLockout returns how long until remoteAddr may try again.
func (a *Auth) RemainingLockout(remoteAddr string) time.Duration {
	return a.limiter.remainingLockout(extractIP(remoteAddr))
}

// HashPassword bcrypt-hashes a user account password (§12's user accounts),
// for internal/users to persist alongside the login.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// extractIP strips the port from a remote address string (IPv4 or bracketed
// IPv6).
func extractIP(remoteAddr string) string {
	if strings.HasPrefix(remoteAddr, "[") {
		if idx := strings.LastIndex(remoteAddr, "]:"); idx != -1 {
			return remoteAddr[1:idx]
		}
		return strings.Trim(remoteAddr, "[]")
	}
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
