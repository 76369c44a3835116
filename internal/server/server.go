// Package server wires the registry, matching pool, session manager, and
// liveness monitor behind the WebSocket endpoint and the HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/driftchat/driftchat/internal/config"
	"github.com/driftchat/driftchat/internal/events"
	"github.com/driftchat/driftchat/internal/limits"
	"github.com/driftchat/driftchat/internal/liveness"
	"github.com/driftchat/driftchat/internal/logging"
	"github.com/driftchat/driftchat/internal/match"
	"github.com/driftchat/driftchat/internal/protocol"
	"github.com/driftchat/driftchat/internal/registry"
	"github.com/driftchat/driftchat/internal/session"
	"github.com/driftchat/driftchat/internal/stats"
	"github.com/driftchat/driftchat/internal/types"
	"github.com/driftchat/driftchat/internal/worker"
)

// Server owns every long-lived component and the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	reg      *registry.Registry
	pool     *match.Pool
	sessions *session.Manager
	monitor  *liveness.Monitor
	agg      *stats.Aggregator
	guard    *limits.AdmissionGuard
	connRate *limits.ConnRateLimiter
	workers  *worker.Pool
	events   *events.Publisher

	listener net.Listener
	httpSrv  *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
}

// New assembles a server from configuration. The optional events publisher
// may be nil.
func New(cfg *config.Config, logger zerolog.Logger, pub *events.Publisher) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		reg:     registry.New(cfg.MaxConnections, logger),
		guard:   limits.NewAdmissionGuard(cfg.CPURejectThreshold, cfg.MaxGoroutines, logger),
		workers: worker.New(workers, cfg.WorkerQueue, logger),
		events:  pub,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.ConnRateLimitEnabled {
		s.connRate = limits.NewConnRateLimiter(limits.ConnRateLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPPerSec,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalPerSec,
		}, logger)
	}

	s.pool = match.New(s.onMatch, logger)
	s.sessions = session.NewManager(s.reg, s, logger)
	s.monitor = liveness.New(s.reg, cfg.LivenessInterval, cfg.HeartbeatGrace, s.evictDead, logger)
	s.agg = stats.New(s.reg, s.pool, s.sessions)

	// Safety net: whatever path removed the connection, no ticket or session
	// may outlive it. The explicit teardown path usually got here first, so
	// both calls are typically no-ops.
	s.reg.OnEvict(func(conn *registry.Conn) {
		s.pool.Cancel(conn.ID)
		s.sessions.EndFor(conn.ID, types.EndReasonPartnerLeft)
	})

	s.sessions.OnEnded(func(sess *session.Session, reason types.EndReason) {
		stats.SessionsEnded.WithLabelValues(string(reason)).Inc()
		s.events.PublishSessionEnded(events.SessionEnded{
			SessionID: sess.ID,
			ChatType:  sess.ChatType,
			Reason:    reason,
			Duration:  time.Since(sess.CreatedAt).Seconds(),
			EndedAt:   time.Now(),
		})
	})

	return s
}

// Start begins listening and launches the background loops. Non-blocking.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.workers.Start(s.ctx)
	s.guard.StartMonitoring(s.ctx, s.cfg.MetricsInterval)
	go s.monitor.Run(s.ctx)
	go s.matchLoop()
	go s.statsLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/poll/connect", s.handlePollConnect)
	mux.HandleFunc("/poll/events", s.handlePollEvents)
	mux.HandleFunc("/poll/send", s.handlePollSend)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		defer logging.RecoverPanic(s.logger, "http_serve", nil)
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP serve loop error")
		}
	}()

	s.logger.Info().
		Str("addr", s.listener.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// matchLoop runs a full pairing pass on a fixed cadence. Enqueue and Cancel
// already attempt pairing inline; the timer is the catch-all.
func (s *Server) matchLoop() {
	defer logging.RecoverPanic(s.logger, "match_loop", nil)

	ticker := time.NewTicker(s.cfg.MatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pool.TryMatch()
		}
	}
}

// statsLoop refreshes the Prometheus gauges on a fixed cadence so scrapes
// see current depths even when nothing hits /stats.
func (s *Server) statsLoop() {
	defer logging.RecoverPanic(s.logger, "stats_loop", nil)

	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.agg.Snapshot()
		}
	}
}

// onMatch turns a pool pair into a live session. The pool already removed
// both tickets; if a participant vanished in between, the survivor's ticket
// goes back in with its original enqueue time.
func (s *Server) onMatch(pair match.Pair) {
	_, okA := s.reg.Get(pair.A.ConnID)
	_, okB := s.reg.Get(pair.B.ConnID)
	if !okA || !okB {
		if okA {
			s.requeue(pair.A)
		}
		if okB {
			s.requeue(pair.B)
		}
		return
	}

	sess, err := s.sessions.Create(pair.A.ConnID, pair.B.ConnID, pair.A.ChatType)
	if err != nil {
		s.logger.Error().
			Err(err).
			Int64("conn_a", pair.A.ConnID).
			Int64("conn_b", pair.B.ConnID).
			Msg("Session creation failed for matched pair")
		s.requeue(pair.A)
		s.requeue(pair.B)
		return
	}

	// A teardown can finish between the liveness check above and Create. Its
	// eviction hook found no session to end, so the session must be reaped
	// here or it would outlive the dead participant forever.
	if s.endIfParticipantGone(sess) {
		return
	}

	s.agg.RecordSessionCreated()
	s.events.PublishSessionCreated(events.SessionCreated{
		SessionID: sess.ID,
		ChatType:  sess.ChatType,
		Shared:    pair.Shared,
		CreatedAt: sess.CreatedAt,
	})
}

// endIfParticipantGone re-verifies registry membership after a session was
// created. If a participant's unregistration completed before the session
// existed, no eviction hook will ever end it; ending it here notifies the
// survivor with partner_left and releases it to idle. A teardown landing
// after Create is covered by the eviction hook instead; the duplicate End is
// an idempotent no-op either way. Returns true when the session was ended.
func (s *Server) endIfParticipantGone(sess *session.Session) bool {
	for _, connID := range []int64{sess.A, sess.B} {
		if _, alive := s.reg.Get(connID); !alive {
			s.sessions.End(sess.ID, connID, types.EndReasonPartnerLeft) //nolint:errcheck // hook may have won the race
			return true
		}
	}
	return false
}

func (s *Server) requeue(t *match.Ticket) {
	s.reg.SetState(t.ConnID, types.StateWaiting) //nolint:errcheck
	if err := s.pool.Enqueue(t); err != nil {
		s.logger.Warn().Err(err).Int64("conn_id", t.ConnID).Msg("Requeue after failed match rejected")
	}
}

// SendTo implements session.Sender. A full send queue marks the peer as too
// slow to keep: dropping relayed frames silently would desynchronize the
// conversation, so the connection is torn down instead.
func (s *Server) SendTo(connID int64, frame []byte) {
	conn, ok := s.reg.Get(connID)
	if !ok {
		return
	}
	if !conn.Transport.Send(frame) {
		stats.DroppedFrames.Inc()
		s.workers.Submit(func() {
			s.logger.Warn().Int64("conn_id", connID).Msg("Send queue full, disconnecting slow consumer")
			s.teardownConn(conn, types.EndReasonPartnerLeft, "slow_consumer")
		})
	}
}

// teardownConn is the convergent cleanup path. Every death route funnels
// here: voluntary leave, transport close, heartbeat timeout, slow consumer,
// shutdown. Idempotent end to end.
func (s *Server) teardownConn(conn *registry.Conn, reason types.EndReason, cause string) {
	s.reg.SetState(conn.ID, types.StateClosing) //nolint:errcheck
	s.pool.Cancel(conn.ID)
	s.sessions.EndFor(conn.ID, reason)
	if _, err := s.reg.Unregister(conn.ID); err == nil {
		stats.DisconnectsTotal.WithLabelValues(cause).Inc()
	}
	conn.Transport.Close()
}

func (s *Server) evictDead(conn *registry.Conn, reason types.EndReason) {
	stats.HeartbeatEvictions.Inc()
	s.teardownConn(conn, reason, "heartbeat_timeout")
}

// admit runs the shared admission checks for both transports. Returns false
// after writing the HTTP rejection.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return false
	}

	if s.connRate != nil && !s.connRate.Allow(clientIP(r)) {
		stats.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return false
	}

	if ok, reason := s.guard.ShouldAccept(); !ok {
		stats.ConnectionsRejected.WithLabelValues(reason).Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}

	country := r.Header.Get("X-Geo-Country")

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		stats.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	transport := newWSTransport(netConn, s.cfg.SendBuffer)
	conn, err := s.reg.Register(transport)
	if err != nil {
		// Past the ceiling. The socket is already upgraded, so the rejection
		// goes out as a frame before closing.
		stats.ConnectionsRejected.WithLabelValues("capacity").Inc()
		wsutil.WriteServerMessage(netConn, ws.OpText, protocol.MustEncode(protocol.Error{ //nolint:errcheck
			Code:       protocol.CodeCapacityExceeded,
			Message:    "Server at capacity, try again later",
			RetryAfter: s.cfg.RetryAfter,
		}))
		netConn.Close()
		return
	}

	if country != "" {
		conn.SetCountry(country)
	}
	stats.ConnectionsTotal.Inc()

	connLogger := s.logger.With().Int64("conn_id", conn.ID).Logger()
	go func() {
		defer logging.RecoverPanic(connLogger, "write_pump", nil)
		transport.writePump(s.pingPeriod(), connLogger)
	}()
	go func() {
		defer logging.RecoverPanic(connLogger, "read_pump", nil)
		s.readPump(conn, transport, connLogger)
	}()
}

// readWait bounds how long a socket may stay silent before the read fails.
// Application heartbeats arrive well inside the grace window, so a read
// timeout means the transport itself is dead.
func (s *Server) readWait() time.Duration {
	return s.cfg.HeartbeatGrace + s.cfg.LivenessInterval
}

func (s *Server) pingPeriod() time.Duration {
	return s.readWait() * 9 / 10
}

func (s *Server) readPump(conn *registry.Conn, t *wsTransport, logger zerolog.Logger) {
	defer func() {
		// Transport death is indistinguishable from a silent walk-away; the
		// partner hears partner_left either way.
		s.teardownConn(conn, types.EndReasonPartnerLeft, "transport_closed")
	}()

	msgLimiter := rate.NewLimiter(rate.Limit(s.cfg.MsgRatePerSec), s.cfg.MsgRateBurst)

	t.conn.SetReadDeadline(time.Now().Add(s.readWait()))
	for {
		msg, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			logger.Debug().Err(err).Msg("Read loop ended")
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(s.readWait()))

		switch op {
		case ws.OpText:
			if !msgLimiter.Allow() {
				t.Send(protocol.MustEncode(protocol.Error{
					Code:    protocol.CodeRateLimited,
					Message: "Too many messages, slow down",
				}))
				continue
			}
			s.handleFrame(conn, msg)
		case ws.OpClose:
			return
		}
	}
}

// handleFrame dispatches one decoded client frame. Shared by the WebSocket
// read pump and the long-poll send endpoint. Rejections are frames back to
// the sender and never mutate state.
func (s *Server) handleFrame(conn *registry.Conn, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		s.sendError(conn, protocol.CodeBadFrame, "Unrecognized or malformed frame")
		return
	}

	switch f := frame.(type) {
	case protocol.Join:
		s.handleJoin(conn, f)
	case protocol.FindMatch:
		s.handleFindMatch(conn, f)
	case protocol.Signal:
		if err := s.sessions.RelaySignal(conn.ID, f.SessionID, f.Payload); err != nil {
			s.sendError(conn, protocol.CodeNoActiveSession, "No active session for signaling")
			return
		}
		stats.RelayedFrames.WithLabelValues("signal").Inc()
	case protocol.Message:
		if err := s.sessions.RelayMessage(conn.ID, f.SessionID, f.Content); err != nil {
			s.sendError(conn, protocol.CodeNoActiveSession, "No active session for messaging")
			return
		}
		stats.RelayedFrames.WithLabelValues("message").Inc()
	case protocol.Leave:
		// EndFor handles the no-session case; leaving twice is a no-op. The
		// leaver drops back to idle and may find_match again immediately.
		s.sessions.EndFor(conn.ID, types.EndReasonSelfLeft)
	case protocol.Report:
		s.sessions.EndFor(conn.ID, types.EndReasonReported)
	case protocol.Heartbeat:
		s.reg.Touch(conn.ID) //nolint:errcheck
		conn.Transport.Send(protocol.MustEncode(protocol.HeartbeatAck{TS: time.Now().UnixMilli()}))
	default:
		// Server-to-client frame types coming from a client.
		s.sendError(conn, protocol.CodeBadFrame, "Frame type not accepted from clients")
	}
}

func (s *Server) handleJoin(conn *registry.Conn, f protocol.Join) {
	if conn.State() != types.StateConnecting {
		s.sendError(conn, protocol.CodeInvalidState, "Already joined")
		return
	}
	s.reg.SetState(conn.ID, types.StateIdle) //nolint:errcheck
	s.logger.Debug().
		Int64("conn_id", conn.ID).
		Int("interests", len(f.Interests)).
		Msg("Client joined")
}

func (s *Server) handleFindMatch(conn *registry.Conn, f protocol.FindMatch) {
	if !f.ChatType.Valid() {
		s.sendError(conn, protocol.CodeBadFrame, "chatType must be text or video")
		return
	}

	switch conn.State() {
	case types.StateConnecting, types.StateIdle:
	case types.StateWaiting:
		s.sendError(conn, protocol.CodeInvalidState, "Already waiting for a match")
		return
	default:
		s.sendError(conn, protocol.CodeInvalidState, "Cannot search while in a session")
		return
	}

	conn.SetProfile(f.ChatType, f.Interests, f.Gender, f.GenderFilter)
	s.reg.SetState(conn.ID, types.StateWaiting) //nolint:errcheck

	err := s.pool.Enqueue(&match.Ticket{
		ConnID:    conn.ID,
		ChatType:  f.ChatType,
		Interests: f.Interests,
		Gender:    f.Gender,
		Filter:    f.GenderFilter,
	})
	if err != nil {
		s.sendError(conn, protocol.CodeInvalidState, "Already waiting for a match")
		return
	}

	// Enqueue may have matched the ticket instantly, in which case the
	// match_found frame already went out and there is no status to report.
	if st, waiting := s.pool.Status(conn.ID); waiting {
		conn.Transport.Send(protocol.MustEncode(protocol.Waiting{
			Position:          st.Position,
			TotalWaiting:      st.TotalWaiting,
			EstimatedWaitTime: st.EstimatedWaitSecs,
		}))
	}
}

func (s *Server) sendError(conn *registry.Conn, code, message string) {
	conn.Transport.Send(protocol.MustEncode(protocol.Error{Code: code, Message: message}))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(s.agg.Snapshot()) //nolint:errcheck
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "healthy"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":          status,
		"connections":     s.reg.Len(),
		"max_connections": s.cfg.MaxConnections,
		"sessions":        s.sessions.Len(),
		"waiting":         s.pool.Depth(),
		"cpu_percent":     s.guard.CPUPercent(),
		"memory_mb":       s.guard.MemoryMB(),
		"goroutines":      runtime.NumGoroutine(),
		"events_up":       s.events.Connected(),
	})
}

// Shutdown stops accepting connections, force-ends every session, and drains
// within the configured grace period.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	}

	// Every live conversation hears a forced end before sockets drop.
	s.sessions.EndAll(types.EndReasonTimeout)

	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for s.reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if remaining := s.reg.Len(); remaining > 0 {
		s.logger.Warn().Int("remaining", remaining).Msg("Grace period expired, force closing connections")
		// Negative grace puts the cutoff in the future, selecting everyone.
		for _, conn := range s.reg.Expired(-time.Hour) {
			s.teardownConn(conn, types.EndReasonTimeout, "server_shutdown")
		}
	}

	s.cancel()
	s.workers.Wait()
	if s.connRate != nil {
		s.connRate.Stop()
	}
	s.events.Close()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
