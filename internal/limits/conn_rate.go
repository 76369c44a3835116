// Package limits protects the server from overload: connection-attempt rate
// limiting at the door and an admission guard over the connection ceiling
// and host resources.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnRateLimiter rate limits connection attempts at two levels: per source
// IP (one flooding client) and globally (distributed floods). Token buckets
// via golang.org/x/time/rate allow legitimate reconnect bursts through.
type ConnRateLimiter struct {
	mu         sync.Mutex
	perIP      map[string]*ipEntry
	ipBurst    int
	ipRate     rate.Limit
	ipTTL      time.Duration
	global     *rate.Limiter
	logger     zerolog.Logger
	stopClean  chan struct{}
	cleanEvery time.Duration
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnRateLimiterConfig holds knobs with zero-value defaults applied.
type ConnRateLimiterConfig struct {
	IPBurst     int           // default 10
	IPRate      float64       // conns/sec sustained per IP, default 1.0
	IPTTL       time.Duration // idle IP entry lifetime, default 5m
	GlobalBurst int           // default 300
	GlobalRate  float64       // conns/sec sustained system-wide, default 50
}

// NewConnRateLimiter creates the limiter and starts its stale-IP cleanup
// loop. Stop releases it.
func NewConnRateLimiter(cfg ConnRateLimiterConfig, logger zerolog.Logger) *ConnRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &ConnRateLimiter{
		perIP:      make(map[string]*ipEntry),
		ipBurst:    cfg.IPBurst,
		ipRate:     rate.Limit(cfg.IPRate),
		ipTTL:      cfg.IPTTL,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:     logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopClean:  make(chan struct{}),
		cleanEvery: time.Minute,
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed. The global
// bucket is checked first so a flood cannot burn per-IP state.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Global connection rate exceeded")
		return false
	}

	l.mu.Lock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Per-IP connection rate exceeded")
		return false
	}
	return true
}

// Stop terminates the cleanup loop.
func (l *ConnRateLimiter) Stop() {
	close(l.stopClean)
}

func (l *ConnRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopClean:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.mu.Lock()
			for ip, entry := range l.perIP {
				if entry.lastAccess.Before(cutoff) {
					delete(l.perIP, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}
