package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one token bucket per key.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	// IdleTTL bounds how long an untouched key keeps its bucket.
	IdleTTL time.Duration `yaml:"idleTTL"`
}

// MapLimiter applies a token bucket per key (actor address, RPC client) and
// periodically evicts idle entries. A nil limiter allows everything.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const evictEvery = 512

// New returns nil when the config is disabled or degenerate.
func New(cfg Config) *MapLimiter {
	if !cfg.Enabled || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return nil
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   cfg.Burst,
		byKey:   make(map[string]*entry),
		idleTTL: cfg.IdleTTL,
	}
}

// Allow reports whether one token can be consumed for key at now. Keys are
// case-folded so checksummed and lowercase addresses share a bucket.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%evictEvery == 0 {
		l.evictIdleLocked(now)
	}
	return allowed
}

// Tracked returns the number of keys currently holding a bucket.
func (l *MapLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *MapLimiter) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
