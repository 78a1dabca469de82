// SPDX-License-Identifier: MIT

// Package config loads service configuration from the environment with
// logged defaults. Precedence is ENV > defaults; there is no config file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the full runtime configuration of a turnsync instance.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket server binds to.
	ListenAddr string

	// RedisAddr is the hot-store address (host:port).
	RedisAddr string
	// RedisPassword is optional.
	RedisPassword string
	// RedisDB selects the Redis logical database.
	RedisDB int

	// KeyPrefix namespaces every hot-store key and channel. Empty by
	// default; set per tenant or per test run for isolation.
	KeyPrefix string

	// AuditDBPath is the SQLite file receiving the durable audit trail.
	AuditDBPath string

	// SessionTTL is the hot-store inactivity window. Every successful
	// write refreshes it.
	SessionTTL time.Duration

	// ConflictRetryMax bounds engine-local retries on version conflicts.
	ConflictRetryMax int

	// AuditRetryAttempts and AuditBackoffBase control the audit worker
	// retry discipline (exponential: base, 2*base, 4*base, ...).
	AuditRetryAttempts int
	AuditBackoffBase   time.Duration
	// AuditWorkers is the size of the audit worker pool.
	AuditWorkers int

	// HeartbeatInterval is the push-gateway ping cadence.
	HeartbeatInterval time.Duration

	// RateLimitGeneralPerMinute is the per-caller budget on /api.
	RateLimitGeneralPerMinute int
	// RateLimitSwitchPerSecond is the shared per-session budget on switch.
	RateLimitSwitchPerSecond int

	// ShutdownGrace bounds the drain period on shutdown.
	ShutdownGrace time.Duration

	// LogLevel for the global logger.
	LogLevel string
}

// FromEnv builds a Config from environment variables and defaults.
func FromEnv() Config {
	return Config{
		ListenAddr:                ParseString("TURNSYNC_LISTEN", ":8080"),
		RedisAddr:                 ParseString("TURNSYNC_REDIS_ADDR", "localhost:6379"),
		RedisPassword:             ParseString("TURNSYNC_REDIS_PASSWORD", ""),
		RedisDB:                   ParseInt("TURNSYNC_REDIS_DB", 0),
		KeyPrefix:                 ParseString("TURNSYNC_KEY_PREFIX", ""),
		AuditDBPath:               ParseString("TURNSYNC_AUDIT_DB", "turnsync-audit.sqlite"),
		SessionTTL:                ParseDuration("TURNSYNC_SESSION_TTL", time.Hour),
		ConflictRetryMax:          ParseInt("TURNSYNC_CONFLICT_RETRY_MAX", 3),
		AuditRetryAttempts:        ParseInt("TURNSYNC_AUDIT_RETRY_ATTEMPTS", 5),
		AuditBackoffBase:          ParseDuration("TURNSYNC_AUDIT_BACKOFF_BASE", 2*time.Second),
		AuditWorkers:              ParseInt("TURNSYNC_AUDIT_WORKERS", 2),
		HeartbeatInterval:         ParseDuration("TURNSYNC_HEARTBEAT_INTERVAL", 5*time.Second),
		RateLimitGeneralPerMinute: ParseInt("TURNSYNC_RATE_LIMIT_GENERAL", 100),
		RateLimitSwitchPerSecond:  ParseInt("TURNSYNC_RATE_LIMIT_SWITCH", 10),
		ShutdownGrace:             ParseDuration("TURNSYNC_SHUTDOWN_GRACE", 15*time.Second),
		LogLevel:                  ParseString("TURNSYNC_LOG_LEVEL", "info"),
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("config: redis address must not be empty")
	}
	if strings.TrimSpace(c.AuditDBPath) == "" {
		return fmt.Errorf("config: audit db path must not be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: session TTL must be positive, got %s", c.SessionTTL)
	}
	if c.ConflictRetryMax < 0 {
		return fmt.Errorf("config: conflict retry max must not be negative, got %d", c.ConflictRetryMax)
	}
	if c.AuditRetryAttempts < 1 {
		return fmt.Errorf("config: audit retry attempts must be at least 1, got %d", c.AuditRetryAttempts)
	}
	if c.AuditBackoffBase <= 0 {
		return fmt.Errorf("config: audit backoff base must be positive, got %s", c.AuditBackoffBase)
	}
	if c.AuditWorkers < 1 {
		return fmt.Errorf("config: audit workers must be at least 1, got %d", c.AuditWorkers)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.RateLimitGeneralPerMinute < 1 {
		return fmt.Errorf("config: general rate limit must be at least 1, got %d", c.RateLimitGeneralPerMinute)
	}
	if c.RateLimitSwitchPerSecond < 1 {
		return fmt.Errorf("config: switch rate limit must be at least 1, got %d", c.RateLimitSwitchPerSecond)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("config: shutdown grace must not be negative, got %s", c.ShutdownGrace)
	}
	return nil
}
