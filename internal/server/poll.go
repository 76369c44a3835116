package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/driftchat/internal/registry"
	"github.com/driftchat/driftchat/internal/stats"
	"github.com/driftchat/driftchat/internal/types"
)

// maxPollFrameBytes bounds a single frame posted through the fallback.
const maxPollFrameBytes = 64 << 10

// pollTransport backs clients that cannot hold a WebSocket open (restrictive
// proxies, some mobile networks). Outbound frames accumulate in a bounded
// queue that the client drains with GET /poll/events; the same Send contract
// applies, so a client that stops polling eventually overflows the queue and
// is disconnected like any slow consumer.
type pollTransport struct {
	token     string
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPollTransport(sendBuffer int) *pollTransport {
	return &pollTransport{
		token: uuid.NewString(),
		queue: make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

func (t *pollTransport) Send(frame []byte) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.queue <- frame:
		return true
	case <-t.done:
		return false
	default:
		return false
	}
}

func (t *pollTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

// drain blocks up to wait for the first frame, then returns everything
// queued. A nil slice with ok=false means the transport is closed.
func (t *pollTransport) drain(wait time.Duration) ([]json.RawMessage, bool) {
	var frames []json.RawMessage

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case frame := <-t.queue:
		frames = append(frames, frame)
	case <-t.done:
		return nil, false
	case <-timer.C:
		return frames, true
	}

	for {
		select {
		case frame := <-t.queue:
			frames = append(frames, frame)
		default:
			return frames, true
		}
	}
}

func (t *pollTransport) tokenMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(t.token), []byte(candidate)) == 1
}

// handlePollConnect registers a long-poll connection. The returned token
// authenticates the subsequent /poll/events and /poll/send calls.
func (s *Server) handlePollConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r) {
		return
	}

	transport := newPollTransport(s.cfg.SendBuffer)
	conn, err := s.reg.Register(transport)
	if err != nil {
		stats.ConnectionsRejected.WithLabelValues("capacity").Inc()
		w.Header().Set("Retry-After", "15")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	if country := r.Header.Get("X-Geo-Country"); country != "" {
		conn.SetCountry(country)
	}
	stats.ConnectionsTotal.Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"connectionId": strconv.FormatInt(conn.ID, 10),
		"token":        transport.token,
	})
}

// handlePollEvents is the long-poll read side. Each call counts as a
// liveness signal so idle-but-polling clients are not swept.
func (s *Server) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	conn, transport, ok := s.pollAuth(w, r)
	if !ok {
		return
	}
	s.reg.Touch(conn.ID) //nolint:errcheck

	frames, alive := transport.drain(s.cfg.PollWait)
	if !alive {
		http.Error(w, "Connection closed", http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"frames": frames}) //nolint:errcheck
}

// handlePollSend accepts one client frame and routes it through the same
// dispatch as the WebSocket read pump.
func (s *Server) handlePollSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	conn, _, ok := s.pollAuth(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPollFrameBytes))
	if err != nil || len(body) == 0 {
		http.Error(w, "Frame body required", http.StatusBadRequest)
		return
	}

	s.handleFrame(conn, body)
	w.WriteHeader(http.StatusNoContent)
}

// pollAuth resolves and authenticates the long-poll connection named by the
// id and token query parameters.
func (s *Server) pollAuth(w http.ResponseWriter, r *http.Request) (*registry.Conn, *pollTransport, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid connection id", http.StatusBadRequest)
		return nil, nil, false
	}

	conn, found := s.reg.Get(id)
	if !found {
		http.Error(w, "Unknown connection", http.StatusNotFound)
		return nil, nil, false
	}

	transport, isPoll := conn.Transport.(*pollTransport)
	if !isPoll || !transport.tokenMatches(r.URL.Query().Get("token")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, nil, false
	}

	if conn.State() == types.StateClosed {
		http.Error(w, "Connection closed", http.StatusGone)
		return nil, nil, false
	}
	return conn, transport, true
}
