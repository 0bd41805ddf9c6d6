// Package config loads agent configuration from defaults, an optional JSON
// file (conf.json by convention), and environment variables, in that order
// of precedence. A watcher republishes the configuration on the internal bus
// when the file changes on disk.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
)

// TopicReload is the internal bus topic a reloaded *Config is published on.
const TopicReload = "config.reload"

// Bus configures the bus connection.
type Bus struct {
	JID      string `json:"jid" env:"NYUKI_BUS_JID"`
	Password string `json:"password" env:"NYUKI_BUS_PASSWORD"`
	Host     string `json:"host" env:"NYUKI_BUS_HOST"`
	Port     int    `json:"port" env:"NYUKI_BUS_PORT"`
	Resource string `json:"resource" env:"NYUKI_BUS_RESOURCE"`

	// QueueSize bounds the outbound unacknowledged queue.
	QueueSize int `json:"queue_size" env:"NYUKI_BUS_QUEUE_SIZE"`
	// OverflowPolicy is "drop-oldest" or "reject".
	OverflowPolicy string `json:"overflow_policy" env:"NYUKI_BUS_OVERFLOW_POLICY"`

	// Reconnect backoff curve, in milliseconds except for the multiplier
	// and jitter fraction.
	BackoffBaseMS     int     `json:"backoff_base_ms" env:"NYUKI_BUS_BACKOFF_BASE_MS"`
	BackoffCapMS      int     `json:"backoff_cap_ms" env:"NYUKI_BUS_BACKOFF_CAP_MS"`
	BackoffMultiplier float64 `json:"backoff_multiplier" env:"NYUKI_BUS_BACKOFF_MULTIPLIER"`
	BackoffJitter     float64 `json:"backoff_jitter" env:"NYUKI_BUS_BACKOFF_JITTER"`

	// AuthRetryBudget is how many rejected handshakes are tolerated before
	// the agent gives up.
	AuthRetryBudget int `json:"auth_retry_budget" env:"NYUKI_BUS_AUTH_RETRY_BUDGET"`
}

// API configures the HTTP control surface.
type API struct {
	Host string `json:"host" env:"NYUKI_API_HOST"`
	Port int    `json:"port" env:"NYUKI_API_PORT"`

	// AuthIssuer enables bearer auth via OIDC discovery when set. When
	// AuthJWKS is also set, discovery is skipped and the JWKS is used
	// directly.
	AuthIssuer   string `json:"auth_issuer" env:"NYUKI_API_AUTH_ISSUER"`
	AuthAudience string `json:"auth_audience" env:"NYUKI_API_AUTH_AUDIENCE"`
	AuthJWKS     string `json:"auth_jwks" env:"NYUKI_API_AUTH_JWKS"`
}

// Dispatch configures the capability dispatch engine.
type Dispatch struct {
	MaxConcurrent int `json:"max_concurrent" env:"NYUKI_DISPATCH_MAX_CONCURRENT"`
	QueueSize     int `json:"queue_size" env:"NYUKI_DISPATCH_QUEUE_SIZE"`
	// OverflowPolicy is "queue" or "reject". Required: there is no default.
	OverflowPolicy string `json:"overflow_policy" env:"NYUKI_DISPATCH_OVERFLOW_POLICY"`
	// InvokeTimeoutMS bounds a single invocation.
	InvokeTimeoutMS int `json:"invoke_timeout_ms" env:"NYUKI_DISPATCH_INVOKE_TIMEOUT_MS"`
}

// Persistence configures the outbound event store.
type Persistence struct {
	// Backend is "memory" or "redis".
	Backend   string `json:"backend" env:"NYUKI_PERSISTENCE_BACKEND"`
	RedisAddr string `json:"redis_addr" env:"NYUKI_PERSISTENCE_REDIS_ADDR"`
}

// Config is the full agent configuration.
type Config struct {
	Name        string      `json:"name" env:"NYUKI_NAME"`
	Debug       bool        `json:"debug" env:"NYUKI_DEBUG"`
	Bus         Bus         `json:"bus"`
	API         API         `json:"api"`
	Dispatch    Dispatch    `json:"dispatch"`
	Persistence Persistence `json:"persistence"`
}

// Default returns the baseline configuration. Bus credentials and the
// dispatch overflow policy have no default and must come from the file or
// the environment.
func Default() *Config {
	return &Config{
		Bus: Bus{
			Host:              "localhost",
			Port:              5222,
			QueueSize:         1000,
			OverflowPolicy:    "drop-oldest",
			BackoffBaseMS:     1000,
			BackoffCapMS:      30000,
			BackoffMultiplier: 2,
			BackoffJitter:     0.2,
		},
		API: API{
			Host: "localhost",
			Port: 5558,
		},
		Dispatch: Dispatch{
			MaxConcurrent:   16,
			QueueSize:       64,
			InvokeTimeoutMS: 30000,
		},
		Persistence: Persistence{
			Backend: "memory",
		},
	}
}

// Load builds the configuration: defaults, then the JSON file at path (when
// path is non-empty it must exist), then environment overrides. The result
// is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Env overlay is best effort: absent variables leave file values alone.
	_ = envdecode.Decode(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the structural requirements.
func (c *Config) Validate() error {
	var problems []string
	if c.Bus.JID == "" {
		problems = append(problems, "bus.jid is required")
	}
	if c.Bus.Password == "" {
		problems = append(problems, "bus.password is required")
	}
	switch c.Bus.OverflowPolicy {
	case "drop-oldest", "reject":
	default:
		problems = append(problems, fmt.Sprintf("bus.overflow_policy must be drop-oldest or reject, got %q", c.Bus.OverflowPolicy))
	}
	switch c.Dispatch.OverflowPolicy {
	case "queue", "reject":
	default:
		problems = append(problems, fmt.Sprintf("dispatch.overflow_policy must be queue or reject, got %q", c.Dispatch.OverflowPolicy))
	}
	switch c.Persistence.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("persistence.backend must be memory or redis, got %q", c.Persistence.Backend))
	}
	if c.Persistence.Backend == "redis" && c.Persistence.RedisAddr == "" {
		problems = append(problems, "persistence.redis_addr is required for the redis backend")
	}
	if len(problems) > 0 {
		return errors.New("config: invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// BusAddr returns the host:port to dial.
func (c *Config) BusAddr() string {
	return fmt.Sprintf("%s:%d", c.Bus.Host, c.Bus.Port)
}

// APIAddr returns the control API listen address.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
