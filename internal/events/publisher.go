// Package events publishes session lifecycle events to NATS for downstream
// consumers (moderation tooling, analytics). The publisher is optional: a
// nil *Publisher is safe to call and does nothing, so the server wires it
// unconditionally and only connects when a NATS URL is configured.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/types"
)

const (
	SubjectSessionCreated = "driftchat.session.created"
	SubjectSessionEnded   = "driftchat.session.ended"
)

// SessionCreated is emitted when two strangers are paired.
type SessionCreated struct {
	SessionID string         `json:"sessionId"`
	ChatType  types.ChatType `json:"chatType"`
	Shared    []string       `json:"sharedInterests,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SessionEnded is emitted once per session teardown.
type SessionEnded struct {
	SessionID string          `json:"sessionId"`
	ChatType  types.ChatType  `json:"chatType"`
	Reason    types.EndReason `json:"reason"`
	Duration  float64         `json:"durationSeconds"`
	EndedAt   time.Time       `json:"endedAt"`
}

// Publisher is a fire-and-forget NATS event emitter.
type Publisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS with reconnect handling. Returns an error only when the
// initial connection fails; later disconnects are retried in the background.
func Connect(url string, logger zerolog.Logger) (*Publisher, error) {
	log := logger.With().Str("component", "events").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", url).Msg("Connected to NATS")

	return &Publisher{conn: conn, logger: log}, nil
}

// PublishSessionCreated emits a pairing event. Errors are logged, never
// surfaced; event egress must not affect chat traffic.
func (p *Publisher) PublishSessionCreated(ev SessionCreated) {
	p.publish(SubjectSessionCreated, ev)
}

// PublishSessionEnded emits a teardown event.
func (p *Publisher) PublishSessionEnded(ev SessionEnded) {
	p.publish(SubjectSessionEnded, ev)
}

func (p *Publisher) publish(subject string, obj any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(obj)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// Connected reports whether the NATS connection is currently up.
func (p *Publisher) Connected() bool {
	return p != nil && p.conn != nil && p.conn.IsConnected()
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
	p.logger.Info().Msg("NATS connection closed")
}
