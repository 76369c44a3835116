// Package session owns active paired conversations and relays frames
// between the two participants.
//
// The manager serializes createSession/endSession under one lock, which is
// what preserves the at-most-one-session invariant. Teardown is idempotent:
// however many paths observe a death (leave, transport close, heartbeat
// timeout), each participant hears session_ended exactly once.
package session

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/protocol"
	"github.com/driftchat/driftchat/internal/registry"
	"github.com/driftchat/driftchat/internal/types"
)

var (
	// ErrNoActiveSession is returned when a relay is attempted by a
	// connection that holds no session, or names a session it is not in.
	ErrNoActiveSession = errors.New("session: no active session for connection")

	// ErrNotFound is returned for operations on unknown session identifiers.
	ErrNotFound = errors.New("session: not found")

	// ErrConnBusy is returned by Create when a participant already holds a
	// session. Indicates a caller bug; the pool must not produce such pairs.
	ErrConnBusy = errors.New("session: connection already in a session")
)

// Session state machine: active -> ending -> ended, each entered once.
type state int

const (
	stateActive state = iota
	stateEnding
	stateEnded
)

// Session is one live paired conversation.
type Session struct {
	ID        string
	A, B      int64
	ChatType  types.ChatType
	CreatedAt time.Time

	state state // guarded by Manager.mu
}

// Partner returns the other participant's connection ID, or false when the
// given connection is not a participant.
func (s *Session) Partner(connID int64) (int64, bool) {
	switch connID {
	case s.A:
		return s.B, true
	case s.B:
		return s.A, true
	default:
		return 0, false
	}
}

// Sender delivers an encoded frame to a connection, best effort. The server
// layer implements it on top of the registry's transports.
type Sender interface {
	SendTo(connID int64, frame []byte)
}

// Manager owns all active sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[int64]*Session

	reg     *registry.Registry
	sender  Sender
	onEnded []func(*Session, types.EndReason)
	logger  zerolog.Logger
}

// NewManager creates an empty session manager.
func NewManager(reg *registry.Registry, sender Sender, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byConn:   make(map[int64]*Session),
		reg:      reg,
		sender:   sender,
		logger:   logger.With().Str("component", "session_manager").Logger(),
	}
}

// OnEnded registers a callback fired once per teardown, after both
// participants were notified.
func (m *Manager) OnEnded(fn func(*Session, types.EndReason)) {
	m.mu.Lock()
	m.onEnded = append(m.onEnded, fn)
	m.mu.Unlock()
}

// Create pairs two connections into a new session and notifies both with
// match_found. Fails with ErrConnBusy if either already holds one.
func (m *Manager) Create(connA, connB int64, chatType types.ChatType) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		A:         connA,
		B:         connB,
		ChatType:  chatType,
		CreatedAt: time.Now(),
		state:     stateActive,
	}

	m.mu.Lock()
	if _, busy := m.byConn[connA]; busy {
		m.mu.Unlock()
		return nil, ErrConnBusy
	}
	if _, busy := m.byConn[connB]; busy {
		m.mu.Unlock()
		return nil, ErrConnBusy
	}
	m.sessions[s.ID] = s
	m.byConn[connA] = s
	m.byConn[connB] = s
	m.mu.Unlock()

	// Both sides become paired before either hears about the match, so a
	// racing find_match from either is rejected as InvalidState.
	m.reg.SetState(connA, types.StatePaired) //nolint:errcheck // vanished conn handled by eviction hook
	m.reg.SetState(connB, types.StatePaired) //nolint:errcheck

	m.sender.SendTo(connA, protocol.MustEncode(protocol.MatchFound{
		SessionID: s.ID, PartnerID: peerName(connB), ChatType: chatType,
	}))
	m.sender.SendTo(connB, protocol.MustEncode(protocol.MatchFound{
		SessionID: s.ID, PartnerID: peerName(connA), ChatType: chatType,
	}))

	m.logger.Info().
		Str("session_id", s.ID).
		Int64("conn_a", connA).
		Int64("conn_b", connB).
		Str("chat_type", string(chatType)).
		Msg("Session created")
	return s, nil
}

// RelaySignal forwards a WebRTC signaling envelope to the sender's partner,
// unmodified.
func (m *Manager) RelaySignal(fromConnID int64, sessionID string, payload json.RawMessage) error {
	partner, err := m.relayTarget(fromConnID, sessionID)
	if err != nil {
		return err
	}
	m.sender.SendTo(partner, protocol.MustEncode(protocol.Signal{
		SessionID: sessionID, Payload: payload,
	}))
	return nil
}

// RelayMessage forwards text chat content to the sender's partner.
func (m *Manager) RelayMessage(fromConnID int64, sessionID, content string) error {
	partner, err := m.relayTarget(fromConnID, sessionID)
	if err != nil {
		return err
	}
	m.sender.SendTo(partner, protocol.MustEncode(protocol.Message{
		SessionID: sessionID, Content: content,
	}))
	return nil
}

// relayTarget resolves and validates the partner for a relay. Relays race
// against teardown: once a session starts ending, byConn is already empty
// and the relay fails with ErrNoActiveSession.
func (m *Manager) relayTarget(fromConnID int64, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byConn[fromConnID]
	if !ok || s.state != stateActive {
		return 0, ErrNoActiveSession
	}
	if s.ID != sessionID {
		return 0, ErrNoActiveSession
	}
	partner, _ := s.Partner(fromConnID)
	return partner, nil
}

// End tears a session down, idempotently. initiator is the connection whose
// action caused the end (0 when the server decided, e.g. on timeout).
//
// Reason handling: for a voluntary leave the initiator hears self_left and
// the partner partner_left; a transport drop notifies the surviving partner
// with partner_left; timeout and reported go to both sides verbatim.
func (m *Manager) End(sessionID string, initiator int64, reason types.EndReason) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.state != stateActive {
		// Second observer of the same death; nothing left to do.
		m.mu.Unlock()
		return nil
	}
	s.state = stateEnding
	delete(m.byConn, s.A)
	delete(m.byConn, s.B)
	callbacks := m.onEnded
	m.mu.Unlock()

	m.notifyEnded(s, initiator, reason)

	// Release both participants back to idle. They must re-request matching
	// themselves; nothing re-enqueues automatically.
	for _, connID := range []int64{s.A, s.B} {
		if conn, alive := m.reg.Get(connID); alive && conn.State() == types.StatePaired {
			conn.SetProfile("", nil, "", "")
			m.reg.SetState(connID, types.StateIdle) //nolint:errcheck
		}
	}

	m.mu.Lock()
	s.state = stateEnded
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(s, reason)
	}

	m.logger.Info().
		Str("session_id", s.ID).
		Str("reason", string(reason)).
		Dur("duration", time.Since(s.CreatedAt)).
		Msg("Session ended")
	return nil
}

// EndFor ends whatever session the connection participates in. A connection
// without a session is a no-op, which keeps the disconnect and timeout paths
// convergent.
func (m *Manager) EndFor(connID int64, reason types.EndReason) {
	m.mu.Lock()
	s, ok := m.byConn[connID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.End(s.ID, connID, reason) //nolint:errcheck // racing observers are fine
}

func (m *Manager) notifyEnded(s *Session, initiator int64, reason types.EndReason) {
	reasonFor := func(connID int64) types.EndReason {
		if reason != types.EndReasonSelfLeft && reason != types.EndReasonPartnerLeft {
			return reason
		}
		if connID == initiator {
			return types.EndReasonSelfLeft
		}
		return types.EndReasonPartnerLeft
	}

	for _, connID := range []int64{s.A, s.B} {
		m.sender.SendTo(connID, protocol.MustEncode(protocol.SessionEnded{
			SessionID: s.ID, Reason: reasonFor(connID),
		}))
	}
}

// SessionFor returns the active session a connection participates in.
func (m *Manager) SessionFor(connID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byConn[connID]
	return s, ok
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EndAll force-ends every session with the given reason. Used on shutdown.
func (m *Manager) EndAll(reason types.EndReason) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.End(id, 0, reason) //nolint:errcheck
	}
}

// peerName renders a connection ID for the wire. Clients treat partner IDs
// as opaque strings.
func peerName(connID int64) string {
	return "peer-" + strconv.FormatInt(connID, 10)
}
