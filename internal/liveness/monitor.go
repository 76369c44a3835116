// Package liveness detects silently dead connections.
//
// TCP gives no signal on a half-open connection, so the monitor sweeps the
// registry on a fixed interval and declares any connection dead whose last
// heartbeat is older than the grace threshold. It is the sole authority for
// death-from-silence; transport-level close events are a faster secondary
// path into the same idempotent teardown.
package liveness

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/registry"
	"github.com/driftchat/driftchat/internal/types"
)

// Teardown is the convergent cleanup routine: cancel any waiting ticket, end
// any session with the given reason, unregister, close the transport. The
// server provides it; calling it twice for the same connection is harmless.
type Teardown func(conn *registry.Conn, reason types.EndReason)

// Monitor periodically evicts connections that stopped heartbeating.
type Monitor struct {
	reg      *registry.Registry
	interval time.Duration
	grace    time.Duration
	teardown Teardown
	logger   zerolog.Logger
}

// New creates a monitor. Clients are expected to heartbeat at a shorter
// interval than grace; interval only bounds detection latency.
func New(reg *registry.Registry, interval, grace time.Duration, teardown Teardown, logger zerolog.Logger) *Monitor {
	return &Monitor{
		reg:      reg,
		interval: interval,
		grace:    grace,
		teardown: teardown,
		logger:   logger.With().Str("component", "liveness").Logger(),
	}
}

// Run sweeps until the context is canceled. Meant to be launched as a
// goroutine from the server.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.interval).
		Dur("grace", m.grace).
		Msg("Liveness monitor running")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts every connection past the grace threshold. Exposed for tests
// and returns the number of evictions.
func (m *Monitor) Sweep() int {
	dead := m.reg.Expired(m.grace)
	for _, conn := range dead {
		m.logger.Warn().
			Int64("conn_id", conn.ID).
			Time("last_heartbeat", conn.LastHeartbeat()).
			Msg("Connection silent past grace threshold, evicting")
		m.teardown(conn, types.EndReasonTimeout)
	}
	return len(dead)
}
