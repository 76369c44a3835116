package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/driftchat/internal/protocol"
)

// fakeConn is a scripted in-memory transport.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	case f.out <- data:
		return nil
	default:
		return nil
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// stateRecorder collects lifecycle transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) seen(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	first := nextBackoff(1)
	assert.GreaterOrEqual(t, first, backoffBase)
	assert.Less(t, first, backoffBase+backoffBase/5+time.Millisecond)

	second := nextBackoff(2)
	assert.GreaterOrEqual(t, second, 2*backoffBase)

	huge := nextBackoff(50)
	assert.GreaterOrEqual(t, huge, backoffMax)
	assert.LessOrEqual(t, huge, backoffMax+backoffMax/5)
}

func TestConnectDeliversFramesAndReconnects(t *testing.T) {
	var mu sync.Mutex
	conns := []*fakeConn{}
	dialer := func(ctx context.Context, url string) (Conn, error) {
		conn := newFakeConn()
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	}

	rec := &stateRecorder{}
	var frames []protocol.Frame
	var framesMu sync.Mutex

	c := New(Options{
		URL:               "ws://test/ws",
		HeartbeatInterval: time.Hour, // keep the heartbeat out of this test
		Dialer:            dialer,
		Logger:            zerolog.Nop(),
		OnStateChange:     rec.record,
		OnFrame: func(f protocol.Frame) {
			framesMu.Lock()
			frames = append(frames, f)
			framesMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return c.State() == StateConnected }, "never connected")

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.in <- protocol.MustEncode(protocol.MatchFound{SessionID: "s1", PartnerID: "peer-2", ChatType: "text"})

	waitFor(t, func() bool {
		framesMu.Lock()
		defer framesMu.Unlock()
		return len(frames) == 1
	}, "frame never delivered")

	mf, ok := frames[0].(protocol.MatchFound)
	require.True(t, ok)
	assert.Equal(t, "s1", mf.SessionID)

	// Server-side drop triggers a redial.
	first.Close()
	waitFor(t, func() bool { return rec.seen(StateReconnecting) }, "no reconnecting transition")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) >= 2
	}, "never redialed")
	waitFor(t, func() bool { return c.State() == StateConnected }, "never reconnected")
}

func TestDialFailureBacksOffThenConnects(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return nil, errors.New("connection refused")
		}
		return newFakeConn(), nil
	}

	rec := &stateRecorder{}
	c := New(Options{
		URL:               "ws://test/ws",
		HeartbeatInterval: time.Hour,
		Dialer:            dialer,
		Logger:            zerolog.Nop(),
		OnStateChange:     rec.record,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	go c.Run(ctx)

	waitFor(t, func() bool { return c.State() == StateConnected }, "never connected")
	// One failed attempt means at least one base backoff elapsed.
	assert.GreaterOrEqual(t, time.Since(start), backoffBase)
	assert.True(t, rec.seen(StateReconnecting))
}

func TestHeartbeatDegradesWithoutAcks(t *testing.T) {
	conn := newFakeConn()
	dialed := make(chan struct{}, 4)
	dialer := func(ctx context.Context, url string) (Conn, error) {
		select {
		case dialed <- struct{}{}:
		default:
		}
		return conn, nil
	}

	rec := &stateRecorder{}
	c := New(Options{
		URL:               "ws://test/ws",
		HeartbeatInterval: 20 * time.Millisecond,
		Dialer:            dialer,
		Logger:            zerolog.Nop(),
		OnStateChange:     rec.record,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return rec.seen(StateDegraded) }, "never degraded")

	// The socket carries heartbeat frames the server never acked.
	select {
	case data := <-conn.out:
		f, err := protocol.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeHeartbeat, f.FrameType())
	default:
		t.Fatal("no heartbeat was written")
	}

	// With acks still missing the socket is abandoned and redialed.
	waitFor(t, func() bool { return rec.seen(StateReconnecting) }, "dead socket never abandoned")
}

func TestAckRecoversFromDegraded(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn
	dialer := func(ctx context.Context, url string) (Conn, error) {
		conn := newFakeConn()
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	}

	rec := &stateRecorder{}
	c := New(Options{
		URL:               "ws://test/ws",
		HeartbeatInterval: 50 * time.Millisecond,
		Dialer:            dialer,
		Logger:            zerolog.Nop(),
		OnStateChange:     rec.record,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return c.State() == StateDegraded }, "never degraded")

	mu.Lock()
	conn := conns[len(conns)-1]
	mu.Unlock()
	conn.in <- protocol.MustEncode(protocol.HeartbeatAck{TS: time.Now().UnixMilli()})

	waitFor(t, func() bool { return c.State() == StateConnected }, "ack did not recover the connection")
}

func TestSendRequiresConnection(t *testing.T) {
	c := New(Options{URL: "ws://test/ws", Logger: zerolog.Nop()})
	err := c.Send(protocol.Heartbeat{})
	assert.ErrorIs(t, err, ErrNotConnected)
}
