package server

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// Time allowed to write a frame to the peer.
const writeWait = 5 * time.Second

// wsTransport is the send side of one WebSocket connection. Outbound frames
// go through a bounded channel drained by writePump; Send reports false when
// the channel is full and the caller decides whether the peer is too slow to
// keep. Close is safe to call from any goroutine, any number of times.
type wsTransport struct {
	conn      net.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn net.Conn, sendBuffer int) *wsTransport {
	return &wsTransport{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a frame for delivery. Never blocks.
func (t *wsTransport) Send(frame []byte) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.send <- frame:
		return true
	case <-t.done:
		return false
	default:
		return false
	}
}

// Close tears the socket down. The read pump unblocks with an error and runs
// the teardown path.
func (t *wsTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with protocol-level pings. Runs as one goroutine per connection; any
// write error closes the socket, which surfaces in the read pump.
func (t *wsTransport) writePump(pingPeriod time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.Close()
	}()

	for {
		select {
		case <-t.done:
			return

		case frame := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(t.conn, ws.OpText, frame); err != nil {
				logger.Debug().
					Err(err).
					Int("frame_size", len(frame)).
					Msg("Write failed, closing connection")
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(t.conn, ws.OpPing, nil); err != nil {
				logger.Debug().
					Err(err).
					Msg("Ping failed, closing connection")
				return
			}
		}
	}
}
