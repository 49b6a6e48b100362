package rpc

import (
	"fmt"
	"net/http"
	"time"

	"github.com/adred-codev/relay/internal/limits"
)

// Reserved names shared with clients.
const (
	// DefaultChannel is the sentinel name of the global channel.
	DefaultChannel = "rpc:default"

	// KeepAliveEvent is the liveness probe event exchanged by both peers.
	KeepAliveEvent = "rpc:keepalive"

	// HeaderClientID carries the client-generated node identity on
	// request-response transports.
	HeaderClientID = "X-Client-Id"
)

// Transport paths served by the orchestrator.
const (
	WSPath      = "/_ws"
	SSEPath     = "/events"
	RPCPath     = "/rpc"
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// RateLimitConfig controls the per-node method-call token bucket.
type RateLimitConfig struct {
	Enabled  bool
	Max      int           // bucket capacity, default 120
	Interval time.Duration // refill window, default 60s
}

// Config holds server configuration. Zero values fall back to defaults via
// withDefaults; Validate catches contradictory settings.
type Config struct {
	Host string
	Port int

	// AllowedOrigins restricts WebSocket upgrades and SSE attachments.
	// Empty means any origin.
	AllowedOrigins []string

	Debug     bool
	LogLevel  string // debug, info, warn, error
	LogFormat string // json or pretty

	RateLimit RateLimitConfig

	// KeepAliveInterval is the probe interval I. Liveness timeout equals
	// the same interval after an unanswered probe.
	KeepAliveInterval time.Duration

	// BrokerURL enables cluster fan-out when non-empty (NATS URL).
	BrokerURL    string
	BrokerPrefix string // topic prefix, default "relay"

	// AllowedContextKeys is the subset of the auth context forwarded to
	// the client after rpc:init. Nil forwards the whole context.
	AllowedContextKeys []string

	// GlobalInstance publishes the server through rpc.Instance() for
	// convenience; cleared again on Close.
	GlobalInstance bool

	// RequestListener is invoked for every HTTP request reaching the
	// server before routing. Optional.
	RequestListener func(r *http.Request)

	// ChannelAuthorization, when set, additionally gates every subscribe
	// by (node, channel). Also settable via SetChannelAuthorization.
	ChannelAuthorization ChannelAuthFunc

	// Admission control ceilings. Zero disables the checks.
	MaxGoroutines  int
	MemUsedPercent float64
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.LogLevel == "" {
		if c.Debug {
			c.LogLevel = "debug"
		} else {
			c.LogLevel = "info"
		}
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Max <= 0 {
			c.RateLimit.Max = limits.DefaultCallLimit
		}
		if c.RateLimit.Interval <= 0 {
			c.RateLimit.Interval = limits.DefaultCallInterval
		}
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.BrokerPrefix == "" {
		c.BrokerPrefix = "relay"
	}
	return c
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 0-65535, got %d", c.Port)
	}
	if c.RateLimit.Enabled && c.RateLimit.Max < 0 {
		return fmt.Errorf("rate limit max must be >= 0, got %d", c.RateLimit.Max)
	}
	if c.MemUsedPercent < 0 || c.MemUsedPercent > 100 {
		return fmt.Errorf("memory threshold must be 0-100, got %.1f", c.MemUsedPercent)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("log format must be json or pretty (got: %s)", c.LogFormat)
	}
	return nil
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
