// Package registry owns every live client connection. All other components
// reference connections by identifier and reach their transport only through
// the handle stored here, so lifetime and cleanup stay centralized.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/types"
)

// ErrNotFound is returned for operations on unknown connection identifiers.
// Callers treat it as a no-op, never a crash.
var ErrNotFound = errors.New("registry: connection not found")

// ErrCapacityExceeded is returned when the admission ceiling is hit. The
// client is told to retry later rather than silently queued.
var ErrCapacityExceeded = errors.New("registry: connection ceiling reached")

// Transport is the send side of a client connection. Sends are best effort:
// Send reports false when the peer's bounded queue is full, and the caller
// decides whether that peer is disconnected.
type Transport interface {
	Send(frame []byte) bool
	Close()
}

// Conn is one live client. Owned exclusively by the Registry; the matching
// pool and session manager hold only its ID.
type Conn struct {
	ID        int64
	Transport Transport
	JoinedAt  time.Time

	mu            sync.Mutex
	state         types.ConnState
	lastHeartbeat time.Time
	chatType      types.ChatType
	interests     []string
	gender        string
	genderFilter  string
	country       string
}

// State returns the current lifecycle state.
func (c *Conn) State() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s types.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent liveness signal.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// SetProfile records the matching attributes sent with find_match.
func (c *Conn) SetProfile(chatType types.ChatType, interests []string, gender, filter string) {
	c.mu.Lock()
	c.chatType = chatType
	c.interests = interests
	c.gender = gender
	c.genderFilter = filter
	c.mu.Unlock()
}

// Profile returns the matching attributes last set on the connection.
func (c *Conn) Profile() (chatType types.ChatType, interests []string, gender, filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatType, c.interests, c.gender, c.genderFilter
}

// ChatType returns the negotiated chat type, empty before find_match.
func (c *Conn) ChatType() types.ChatType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatType
}

// SetCountry records geolocation metadata supplied by the fronting proxy.
func (c *Conn) SetCountry(country string) {
	c.mu.Lock()
	c.country = country
	c.mu.Unlock()
}

// Country returns the recorded country code, empty if none was supplied.
func (c *Conn) Country() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.country
}

// EvictHook runs after a connection has been removed from the registry. The
// pool and session manager register hooks so no ticket or session can outlive
// its connection; hooks must be idempotent because the normal teardown path
// usually cleaned up already.
type EvictHook func(*Conn)

// Registry tracks live connections under a single lock.
type Registry struct {
	mu      sync.RWMutex
	conns   map[int64]*Conn
	hooks   []EvictHook
	ceiling int
	nextID  atomic.Int64
	logger  zerolog.Logger
}

// New creates a registry enforcing the given connection ceiling. A ceiling
// of zero or less disables admission control.
func New(ceiling int, logger zerolog.Logger) *Registry {
	return &Registry{
		conns:   make(map[int64]*Conn),
		ceiling: ceiling,
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// OnEvict registers a cleanup hook. Hooks run outside the registry lock, in
// registration order, whenever a connection is unregistered.
func (r *Registry) OnEvict(hook EvictHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Register admits a new connection, assigning its identifier. Fails with
// ErrCapacityExceeded at the ceiling.
func (r *Registry) Register(t Transport) (*Conn, error) {
	now := time.Now()
	conn := &Conn{
		ID:            r.nextID.Add(1),
		Transport:     t,
		JoinedAt:      now,
		state:         types.StateConnecting,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	if r.ceiling > 0 && len(r.conns) >= r.ceiling {
		r.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug().
		Int64("conn_id", conn.ID).
		Int("total", total).
		Msg("Connection registered")
	return conn, nil
}

// Get returns the connection for id.
func (r *Registry) Get(id int64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Touch updates the last-heartbeat timestamp.
func (r *Registry) Touch(id int64) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	conn.touch(time.Now())
	return nil
}

// SetState transitions the connection's lifecycle state.
func (r *Registry) SetState(id int64, state types.ConnState) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	conn.setState(state)
	return nil
}

// Unregister removes the connection and fires eviction hooks so any waiting
// ticket or session is cleaned up. Returns the final Conn for downstream
// teardown. Safe to call twice; the second call reports ErrNotFound.
func (r *Registry) Unregister(id int64) (*Conn, error) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(r.conns, id)
	hooks := r.hooks
	total := len(r.conns)
	r.mu.Unlock()

	conn.setState(types.StateClosed)
	for _, hook := range hooks {
		hook(conn)
	}

	r.logger.Debug().
		Int64("conn_id", id).
		Int("total", total).
		Msg("Connection unregistered")
	return conn, nil
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Expired returns connections whose last heartbeat is older than grace.
// The liveness monitor is the sole consumer.
func (r *Registry) Expired(grace time.Duration) []*Conn {
	cutoff := time.Now().Add(-grace)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var dead []*Conn
	for _, conn := range r.conns {
		if conn.LastHeartbeat().Before(cutoff) {
			dead = append(dead, conn)
		}
	}
	return dead
}

// CountByChatType returns live connection counts keyed by negotiated chat
// type. Connections that never sent find_match are omitted.
func (r *Registry) CountByChatType() map[types.ChatType]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[types.ChatType]int)
	for _, conn := range r.conns {
		if t := conn.ChatType(); t.Valid() {
			counts[t]++
		}
	}
	return counts
}

// DistinctCountries returns the number of distinct country codes across live
// connections, ignoring connections without geo metadata.
func (r *Registry) DistinctCountries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, conn := range r.conns {
		if c := conn.Country(); c != "" {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}
