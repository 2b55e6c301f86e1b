// Package ratelimit keeps one token bucket per key (a client IP in practice)
// with idle eviction, shared by the agent listener and the admin API.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config bounds how often one key may act.
type Config struct {
	// PerSecond is the sustained rate per key. Zero disables limiting.
	PerSecond float64
	Burst     int
	// MaxEntries bounds memory; the least recently seen key is evicted when full.
	MaxEntries    int
	SweepInterval time.Duration
	IdleTTL       time.Duration
}

// PerMinute converts a per-minute budget into a Config.
func PerMinute(n, burst int) Config {
	return Config{PerSecond: float64(n) / 60, Burst: burst}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed is safe for concurrent use.
type Keyed struct {
	mu        sync.Mutex
	cfg       Config
	entries   map[string]*entry
	lastSweep time.Time
}

func New(cfg Config) *Keyed {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Keyed{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Enabled reports whether any limiting happens at all.
func (k *Keyed) Enabled() bool {
	return k.cfg.PerSecond > 0
}

// Burst is the configured bucket size.
func (k *Keyed) Burst() int {
	return k.cfg.Burst
}

// Allow consumes one token for key.
func (k *Keyed) Allow(key string, now time.Time) bool {
	ok, _, _ := k.Take(key, now)
	return ok
}

// Take consumes one token for key. When refused, retryAfter is how long until
// a token is available. remaining is what is left in the bucket afterwards.
func (k *Keyed) Take(key string, now time.Time) (ok bool, remaining int, retryAfter time.Duration) {
	if !k.Enabled() {
		return true, k.cfg.Burst, 0
	}

	lim := k.limiterFor(key, now)
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, 0, delay
	}
	return true, int(math.Max(0, math.Floor(lim.TokensAt(now)))), 0
}

func (k *Keyed) limiterFor(key string, now time.Time) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	if now.Sub(k.lastSweep) >= k.cfg.SweepInterval {
		k.sweepLocked(now)
	}

	e, ok := k.entries[key]
	if !ok {
		if len(k.entries) >= k.cfg.MaxEntries {
			k.evictOldestLocked()
		}
		e = &entry{limiter: rate.NewLimiter(rate.Limit(k.cfg.PerSecond), k.cfg.Burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (k *Keyed) sweepLocked(now time.Time) {
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > k.cfg.IdleTTL {
			delete(k.entries, key)
		}
	}
	k.lastSweep = now
}

func (k *Keyed) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, e := range k.entries {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = key, e.lastSeen
		}
	}
	delete(k.entries, oldestKey)
}

// Len is the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
