package auth

import (
	"sync"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
)

// LoginLimiter throttles authentication per identifier with a sliding
// failure window and a lockout once the window fills. Successes clear
// the identifier's history.
type LoginLimiter struct {
	clk clock.Clock

	maxAttempts int
	window      time.Duration
	lockout     time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

// LimiterConfig tunes the login throttle; zero values take defaults
type LimiterConfig struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
}

// NewLoginLimiter creates a login throttle
func NewLoginLimiter(cfg LimiterConfig, clk clock.Clock) *LoginLimiter {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window == 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Lockout == 0 {
		cfg.Lockout = 15 * time.Minute
	}
	return &LoginLimiter{
		clk:         clk,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.Window,
		lockout:     cfg.Lockout,
		entries:     make(map[string]*limiterEntry),
	}
}

// Check fails with RateLimited when the identifier is locked out
func (l *LoginLimiter) Check(identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[identifier]
	if e == nil {
		return nil
	}
	now := l.clk.Now()
	if now.Before(e.lockedUntil) {
		return errors.New(errors.KindRateLimited, "too many failed login attempts").
			WithRetryAfter(e.lockedUntil.Sub(now))
	}
	return nil
}

// RecordFailure counts a failed attempt, engaging the lockout when the
// window fills.
func (l *LoginLimiter) RecordFailure(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	e := l.entries[identifier]
	if e == nil {
		e = &limiterEntry{}
		l.entries[identifier] = e
	}

	cutoff := now.Add(-l.window)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) >= l.maxAttempts {
		e.lockedUntil = now.Add(l.lockout)
		e.failures = e.failures[:0]
	}
}

// RecordSuccess clears the identifier's failure history
func (l *LoginLimiter) RecordSuccess(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identifier)
}
