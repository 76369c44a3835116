// Package stats derives display counts from the registry, pool, and session
// manager. Snapshots are recomputed on read, never authoritative, and safe
// to take concurrently with mutation; eventually consistent is fine here.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftchat/driftchat/internal/types"
)

// Prometheus collectors. Gauges that mirror pool/registry depth are set on
// scrape via Aggregator.Collect-ish updates from the snapshot path.
var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftchat_connections_active",
		Help: "Number of live client connections.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftchat_connections_total",
		Help: "Total connections accepted since start.",
	})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_connections_rejected_total",
		Help: "Connections rejected before registration.",
	}, []string{"reason"})
	WaitingTickets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftchat_waiting_tickets",
		Help: "Waiting tickets in the matching pool.",
	}, []string{"chat_type"})
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftchat_matches_total",
		Help: "Pairs produced by the matching pool.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftchat_sessions_active",
		Help: "Currently active sessions.",
	})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_sessions_ended_total",
		Help: "Sessions ended, by reason.",
	}, []string{"reason"})
	RelayedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_relayed_frames_total",
		Help: "Frames relayed between session peers, by kind.",
	}, []string{"kind"})
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftchat_dropped_frames_total",
		Help: "Outbound frames dropped because a peer's send queue was full.",
	})
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_disconnects_total",
		Help: "Connection teardowns, by cause.",
	}, []string{"cause"})
	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftchat_heartbeat_evictions_total",
		Help: "Connections declared dead by the liveness monitor.",
	})
)

// ConnSource is the registry's read surface.
type ConnSource interface {
	Len() int
	CountByChatType() map[types.ChatType]int
	DistinctCountries() int
}

// PoolSource is the matching pool's read surface.
type PoolSource interface {
	Depth() int
	DepthByType() map[types.ChatType]int
}

// SessionSource is the session manager's read surface.
type SessionSource interface {
	Len() int
}

// Snapshot is the externally visible statistics document.
type Snapshot struct {
	ActiveConnections int                    `json:"activeConnections"`
	ByChatType        map[types.ChatType]int `json:"byChatType"`
	Waiting           int                    `json:"waiting"`
	WaitingByChatType map[types.ChatType]int `json:"waitingByChatType"`
	ActiveSessions    int                    `json:"activeSessions"`
	SessionsToday     int64                  `json:"sessionsToday"`
	Countries         int                    `json:"countries"`
	UptimeSeconds     int64                  `json:"uptimeSeconds"`
	GeneratedAt       time.Time              `json:"generatedAt"`
}

// Aggregator computes snapshots and owns the rolling-day session counter.
type Aggregator struct {
	conns    ConnSource
	pool     PoolSource
	sessions SessionSource
	started  time.Time

	mu            sync.Mutex
	sessionsToday int64
	dayAnchor     time.Time // UTC midnight of the day being counted
}

// New creates an aggregator over the three state owners.
func New(conns ConnSource, pool PoolSource, sessions SessionSource) *Aggregator {
	now := time.Now()
	return &Aggregator{
		conns:     conns,
		pool:      pool,
		sessions:  sessions,
		started:   now,
		dayAnchor: now.UTC().Truncate(24 * time.Hour),
	}
}

// RecordSessionCreated bumps the daily counter, resetting it when the UTC
// day rolls over.
func (a *Aggregator) RecordSessionCreated() {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	a.mu.Lock()
	if today.After(a.dayAnchor) {
		a.dayAnchor = today
		a.sessionsToday = 0
	}
	a.sessionsToday++
	a.mu.Unlock()

	MatchesTotal.Inc()
}

// Snapshot recomputes current counts. Reads race benignly with mutation.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(a.dayAnchor) {
		a.dayAnchor = today
		a.sessionsToday = 0
	}
	sessionsToday := a.sessionsToday
	a.mu.Unlock()

	snap := Snapshot{
		ActiveConnections: a.conns.Len(),
		ByChatType:        a.conns.CountByChatType(),
		Waiting:           a.pool.Depth(),
		WaitingByChatType: a.pool.DepthByType(),
		ActiveSessions:    a.sessions.Len(),
		SessionsToday:     sessionsToday,
		Countries:         a.conns.DistinctCountries(),
		UptimeSeconds:     int64(time.Since(a.started).Seconds()),
		GeneratedAt:       time.Now(),
	}

	// Keep the scrape-side gauges in line with whatever was last observed.
	ConnectionsActive.Set(float64(snap.ActiveConnections))
	SessionsActive.Set(float64(snap.ActiveSessions))
	for chatType, depth := range snap.WaitingByChatType {
		WaitingTickets.WithLabelValues(string(chatType)).Set(float64(depth))
	}
	return snap
}

// SessionsToday exposes the daily counter for tests.
func (a *Aggregator) SessionsToday() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionsToday
}

// forceDayAnchor rewinds the rolling-day boundary; test hook.
func (a *Aggregator) forceDayAnchor(t time.Time) {
	a.mu.Lock()
	a.dayAnchor = t
	a.mu.Unlock()
}
