// Package client is a reconnecting driftchat client. It maintains the
// WebSocket, drives the application heartbeat, and redials with bounded
// exponential backoff when the transport dies. Frame handling is delegated
// to a callback; the client carries no matching or session logic.
package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/protocol"
)

// State is the client connection lifecycle.
//
//	disconnected -> connecting -> connected
//	connected    -> degraded      (heartbeat acks stop arriving)
//	connected/degraded -> reconnecting -> connecting
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

// ErrNotConnected is returned by Send while no healthy socket exists.
var ErrNotConnected = errors.New("client: not connected")

const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	backoffMax    = 30 * time.Second

	defaultHeartbeatInterval = 10 * time.Second

	// missedAcksDegraded marks the connection degraded; missedAcksDead
	// abandons the socket and redials.
	missedAcksDegraded = 2
	missedAcksDead     = 4
)

// Conn is the transport surface the client needs. *websocket.Conn satisfies
// it through wsConn; tests substitute scripted fakes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn. Injectable for tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Options configures a Client.
type Options struct {
	URL               string
	HeartbeatInterval time.Duration
	Dialer            Dialer // nil means the gorilla WebSocket dialer
	Logger            zerolog.Logger

	// OnFrame receives every decoded server frame except heartbeat_ack.
	OnFrame func(protocol.Frame)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)
}

// Client runs the connect/read/heartbeat/reconnect loop.
type Client struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	missedAcks int
}

// New creates a client; Run starts it.
func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "client").Logger(),
		state:  StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes a frame on the current socket.
func (c *Client) Send(f protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	st := c.state
	c.mu.Unlock()

	if conn == nil || (st != StateConnected && st != StateDegraded) {
		return ErrNotConnected
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// Run connects and keeps the session alive until the context is canceled.
// Blocks; callers usually run it in a goroutine.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		conn, err := c.opts.Dialer(ctx, c.opts.URL)
		if err != nil {
			attempt++
			delay := nextBackoff(attempt)
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("Dial failed")
			c.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.missedAcks = 0
		c.mu.Unlock()
		c.setState(StateConnected)

		c.session(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateReconnecting)
	}
}

// session runs the read loop and heartbeat for one socket, returning when
// either side gives up.
func (c *Client) session(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)

	go c.heartbeatLoop(ctx, conn, done)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Read failed, socket abandoned")
			conn.Close()
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Server sent undecodable frame")
			continue
		}

		if _, isAck := frame.(protocol.HeartbeatAck); isAck {
			c.mu.Lock()
			c.missedAcks = 0
			recovered := c.state == StateDegraded
			if recovered {
				c.state = StateConnected
			}
			c.mu.Unlock()
			if recovered {
				c.notify(StateConnected)
			}
			continue
		}

		if c.opts.OnFrame != nil {
			c.opts.OnFrame(frame)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.missedAcks++
			missed := c.missedAcks
			degrade := missed >= missedAcksDegraded && c.state == StateConnected
			if degrade {
				c.state = StateDegraded
			}
			c.mu.Unlock()

			if degrade {
				c.logger.Warn().Int("missed_acks", missed).Msg("Heartbeat acks missing, degraded")
				c.notify(StateDegraded)
			}
			if missed >= missedAcksDead {
				c.logger.Warn().Int("missed_acks", missed).Msg("Connection presumed dead, redialing")
				conn.Close()
				return
			}

			if err := conn.WriteMessage(protocol.MustEncode(protocol.Heartbeat{})); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notify(s)
	}
}

func (c *Client) notify(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// nextBackoff returns the delay before reconnect attempt n (1-based):
// exponential from backoffBase, capped at backoffMax, with up to 20% jitter
// so a fleet of clients does not redial in lockstep.
func nextBackoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffMax {
			d = backoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (w wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.ws.ReadMessage()
	return data, err
}

func (w wsConn) WriteMessage(data []byte) error {
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w wsConn) Close() error {
	return w.ws.Close()
}

func gorillaDialer(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{ws: ws}, nil
}
