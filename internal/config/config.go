// Package config loads server configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/types"
)

// Config holds all server configuration.
type Config struct {
	// Server basics
	Addr        string `env:"DRIFT_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Admission control
	MaxConnections     int     `env:"DRIFT_MAX_CONNECTIONS" envDefault:"5000"`
	CPURejectThreshold float64 `env:"DRIFT_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MaxGoroutines      int     `env:"DRIFT_MAX_GOROUTINES" envDefault:"50000"`
	RetryAfter         int     `env:"DRIFT_RETRY_AFTER_SECONDS" envDefault:"15"`

	// Liveness. Clients must heartbeat more often than the grace threshold;
	// the sweep interval only bounds detection latency.
	HeartbeatGrace   time.Duration `env:"DRIFT_HEARTBEAT_GRACE" envDefault:"30s"`
	LivenessInterval time.Duration `env:"DRIFT_LIVENESS_INTERVAL" envDefault:"5s"`

	// Matching
	MatchInterval time.Duration `env:"DRIFT_MATCH_INTERVAL" envDefault:"2s"`

	// Per-connection outbound queue; overflow disconnects the slow peer.
	SendBuffer int `env:"DRIFT_SEND_BUFFER" envDefault:"256"`

	// Per-connection inbound message rate (token bucket).
	MsgRateBurst  int `env:"DRIFT_MSG_RATE_BURST" envDefault:"100"`
	MsgRatePerSec int `env:"DRIFT_MSG_RATE_PER_SEC" envDefault:"20"`

	// Connection-attempt rate limiting (DoS protection).
	ConnRateLimitEnabled bool    `env:"DRIFT_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateIPBurst      int     `env:"DRIFT_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec     float64 `env:"DRIFT_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"DRIFT_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec float64 `env:"DRIFT_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`

	// Worker pool for notification fanout.
	WorkerCount int `env:"DRIFT_WORKER_COUNT" envDefault:"0"` // 0 = 2 x GOMAXPROCS
	WorkerQueue int `env:"DRIFT_WORKER_QUEUE" envDefault:"4096"`

	// HTTP long-poll fallback.
	PollWait time.Duration `env:"DRIFT_POLL_WAIT" envDefault:"25s"`

	// Optional NATS event egress; empty disables it.
	NATSURL string `env:"DRIFT_NATS_URL" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"DRIFT_METRICS_INTERVAL" envDefault:"15s"`
	ShutdownGrace   time.Duration `env:"DRIFT_SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  types.LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat types.LogFormat `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Missing .env is fine; production uses real environment variables.
		if logger != nil {
			logger.Info().Msg("No .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("DRIFT_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("DRIFT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("DRIFT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.HeartbeatGrace <= 0 {
		return fmt.Errorf("DRIFT_HEARTBEAT_GRACE must be positive, got %s", c.HeartbeatGrace)
	}
	if c.LivenessInterval <= 0 {
		return fmt.Errorf("DRIFT_LIVENESS_INTERVAL must be positive, got %s", c.LivenessInterval)
	}
	if c.LivenessInterval >= c.HeartbeatGrace {
		return fmt.Errorf("DRIFT_LIVENESS_INTERVAL (%s) must be shorter than DRIFT_HEARTBEAT_GRACE (%s)",
			c.LivenessInterval, c.HeartbeatGrace)
	}
	if c.MatchInterval <= 0 {
		return fmt.Errorf("DRIFT_MATCH_INTERVAL must be positive, got %s", c.MatchInterval)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("DRIFT_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}

	switch c.LogLevel {
	case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case types.LogFormatJSON, types.LogFormatPretty:
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig dumps the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("heartbeat_grace", c.HeartbeatGrace).
		Dur("liveness_interval", c.LivenessInterval).
		Dur("match_interval", c.MatchInterval).
		Int("send_buffer", c.SendBuffer).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Str("nats_url", c.NATSURL).
		Str("log_level", string(c.LogLevel)).
		Str("log_format", string(c.LogFormat)).
		Msg("Server configuration loaded")
}
