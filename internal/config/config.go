// Package config loads the sync client configuration.
//
// Files may be YAML or JSON5, support ${ENV} and ${ENV:-fallback} expansion,
// and may pull in other files with a top-level "$include" key (a path or list
// of paths, merged before the including file's own keys).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/opsync/internal/protocol"
)

// Config is the main configuration structure for opsync.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Presence   PresenceConfig   `yaml:"presence"`
	Typing     TypingConfig     `yaml:"typing"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`

	// Sources lists the files Load read, includes before their includer.
	Sources []string `yaml:"-"`
}

// ConnectionConfig describes the sync endpoint and reconnect policy.
type ConnectionConfig struct {
	URL      string `yaml:"url"`
	TenantID string `yaml:"tenant_id"`
	UserID   string `yaml:"user_id"`
	UserName string `yaml:"user_name"`

	BaseInterval time.Duration `yaml:"base_interval"`
	MaxInterval  time.Duration `yaml:"max_interval"`
	Factor       float64       `yaml:"factor"`
	Jitter       float64       `yaml:"jitter"`
	// MaxAttempts bounds consecutive reconnect attempts. Zero selects the
	// default; a negative value retries forever.
	MaxAttempts int `yaml:"max_attempts"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteWait    time.Duration `yaml:"write_wait"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	InitialStatus     string        `yaml:"initial_status"`
}

type TypingConfig struct {
	Debounce      time.Duration `yaml:"debounce"`
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ActionFrames sends local announcements as "typing" action frames
	// instead of "chat_typing".
	ActionFrames bool `yaml:"action_frames"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	// SamplingRate is nil when unset; an explicit 0 records no traces.
	SamplingRate *float64 `yaml:"sampling_rate"`
	Insecure     bool     `yaml:"insecure"`
}

// Rate returns the effective sampling rate, 1 when unset.
func (t TracingConfig) Rate() float64 {
	if t.SamplingRate == nil {
		return 1
	}
	return *t.SamplingRate
}

// Defaults for zero-valued fields.
const (
	DefaultBaseInterval      = time.Second
	DefaultMaxInterval       = 30 * time.Second
	DefaultFactor            = 1.5
	DefaultMaxAttempts       = 10
	DefaultDialTimeout       = 10 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultPongWait          = 45 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPresenceSweep     = 30 * time.Second
	DefaultStaleTimeout      = 120 * time.Second
	DefaultTypingDebounce    = 300 * time.Millisecond
	DefaultTypingTimeout     = 3 * time.Second
	DefaultTypingSweep       = time.Second
)

// MinStaleHeartbeatRatio is the smallest allowed StaleTimeout/HeartbeatInterval
// ratio. Below it one or two lost heartbeats mark a live peer offline.
const MinStaleHeartbeatRatio = 3

// Default returns a configuration with every default applied and no endpoint.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	c := &cfg.Connection
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Factor == 0 {
		c.Factor = DefaultFactor
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.UserName == "" {
		c.UserName = c.UserID
	}

	p := &cfg.Presence
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = DefaultPresenceSweep
	}
	if p.StaleTimeout <= 0 {
		p.StaleTimeout = DefaultStaleTimeout
	}
	if p.InitialStatus == "" {
		p.InitialStatus = string(protocol.StatusOnline)
	}

	t := &cfg.Typing
	if t.Debounce <= 0 {
		t.Debounce = DefaultTypingDebounce
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTypingTimeout
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = DefaultTypingSweep
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "opsync"
	}
	if cfg.Tracing.SamplingRate == nil {
		rate := 1.0
		cfg.Tracing.SamplingRate = &rate
	}
}

// Validate checks the configuration for values the client cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	conn := c.Connection
	if strings.TrimSpace(conn.URL) == "" {
		errs = append(errs, errors.New("connection.url is required"))
	} else if u, err := url.Parse(conn.URL); err != nil {
		errs = append(errs, fmt.Errorf("connection.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("connection.url: scheme must be ws or wss, got %q", u.Scheme))
	}
	if strings.TrimSpace(conn.TenantID) == "" {
		errs = append(errs, errors.New("connection.tenant_id is required"))
	}
	if strings.TrimSpace(conn.UserID) == "" {
		errs = append(errs, errors.New("connection.user_id is required"))
	}
	if conn.Factor < 1 {
		errs = append(errs, fmt.Errorf("connection.factor must be >= 1, got %v", conn.Factor))
	}
	if conn.Jitter < 0 || conn.Jitter > 1 {
		errs = append(errs, fmt.Errorf("connection.jitter must be within [0, 1], got %v", conn.Jitter))
	}
	if conn.MaxInterval < conn.BaseInterval {
		errs = append(errs, fmt.Errorf("connection.max_interval (%s) must be >= base_interval (%s)", conn.MaxInterval, conn.BaseInterval))
	}

	p := c.Presence
	if p.StaleTimeout < MinStaleHeartbeatRatio*p.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("presence.stale_timeout (%s) must be at least %d x heartbeat_interval (%s)",
			p.StaleTimeout, MinStaleHeartbeatRatio, p.HeartbeatInterval))
	}
	if _, err := protocol.ParseStatus(p.InitialStatus); err != nil {
		errs = append(errs, fmt.Errorf("presence.initial_status: %w", err))
	}

	t := c.Typing
	if t.Debounce >= t.Timeout {
		errs = append(errs, fmt.Errorf("typing.debounce (%s) must be shorter than typing.timeout (%s)", t.Debounce, t.Timeout))
	}

	if rate := c.Tracing.Rate(); rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be within [0, 1], got %v", rate))
	}

	return errors.Join(errs...)
}
