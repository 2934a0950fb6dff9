package ratelimit

import (
	"net"
	"sync"
)

// Auth factor scopes. Each scope has its own bucket map so shared-secret
// failures never consume device-token attempts and vice versa.
const (
	ScopeSharedSecret = "shared-secret"
	ScopeDeviceToken  = "device-token"
)

// Config tunes the attempt limiter.
type Config struct {
	MaxAttempts    int   // failures allowed inside the window before lockout
	WindowMs       int64 // sliding window length
	LockoutMs      int64 // lockout duration once MaxAttempts is exceeded
	ExemptLoopback bool  // loopback sources bypass the limiter entirely
}

// DefaultConfig matches the shipped gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		WindowMs:       60_000,
		LockoutMs:      300_000,
		ExemptLoopback: true,
	}
}

type bucket struct {
	attempts      int
	windowStartMs int64
	lockedUntilMs int64
}

// AttemptLimiter counts failed auth attempts per (source IP, factor scope)
// and arms a lockout once the allowance is exhausted inside the window.
type AttemptLimiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]map[string]*bucket // scope -> ip -> bucket
}

func NewAttemptLimiter(cfg Config) *AttemptLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = DefaultConfig().WindowMs
	}
	if cfg.LockoutMs <= 0 {
		cfg.LockoutMs = DefaultConfig().LockoutMs
	}
	return &AttemptLimiter{
		cfg: cfg,
		buckets: map[string]map[string]*bucket{
			ScopeSharedSecret: {},
			ScopeDeviceToken:  {},
		},
	}
}

// Check reports whether the (ip, scope) pair is currently locked out and, if
// so, how long until the lockout expires. It never mutates counters: probing
// is free.
func (l *AttemptLimiter) Check(ip, scope string, nowMs int64) (limited bool, retryAfterMs int64) {
	if l.exempt(ip) {
		return false, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.lookup(scope, ip)
	if b == nil {
		return false, 0
	}
	if b.lockedUntilMs > nowMs {
		return true, b.lockedUntilMs - nowMs
	}
	return false, 0
}

// RecordFailure counts one failed attempt. Once attempts exceed MaxAttempts
// inside the window, the pair is locked until nowMs+LockoutMs. An expired
// lockout or an expired window resets the count before the attempt lands.
func (l *AttemptLimiter) RecordFailure(ip, scope string, nowMs int64) {
	if l.exempt(ip) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	byIP, ok := l.buckets[scope]
	if !ok {
		byIP = map[string]*bucket{}
		l.buckets[scope] = byIP
	}

	b := byIP[ip]
	if b == nil {
		b = &bucket{windowStartMs: nowMs}
		byIP[ip] = b
	}

	if b.lockedUntilMs != 0 && b.lockedUntilMs <= nowMs {
		// Lockout served; start fresh.
		b.lockedUntilMs = 0
		b.attempts = 0
		b.windowStartMs = nowMs
	}
	if nowMs-b.windowStartMs > l.cfg.WindowMs {
		b.attempts = 0
		b.windowStartMs = nowMs
	}

	b.attempts++
	if b.attempts > l.cfg.MaxAttempts {
		b.lockedUntilMs = nowMs + l.cfg.LockoutMs
	}
}

// Reset clears all state for the pair, called on successful auth so a valid
// credential immediately restores the full allowance.
func (l *AttemptLimiter) Reset(ip, scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if byIP, ok := l.buckets[scope]; ok {
		delete(byIP, ip)
	}
}

func (l *AttemptLimiter) lookup(scope, ip string) *bucket {
	byIP, ok := l.buckets[scope]
	if !ok {
		return nil
	}
	return byIP[ip]
}

func (l *AttemptLimiter) exempt(ip string) bool {
	if !l.cfg.ExemptLoopback {
		return false
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
