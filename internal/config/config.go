package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/model"
	"github.com/rickgao/hsm-feed/internal/session"
)

// Config is the top-level configuration of cmd/watch.
type Config struct {
	Feed          FeedConfig           `yaml:"feed"`
	Session       SessionConfig        `yaml:"session"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Status        StatusConfig         `yaml:"status"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// FeedConfig selects the HSM endpoint.
type FeedConfig struct {
	URL            string            `yaml:"url"`
	Endpoints      map[string]string `yaml:"endpoints"` // data center -> URL
	DefaultChannel int               `yaml:"default_channel"`
}

// SessionConfig holds connection timing and retry policy.
type SessionConfig struct {
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"` // negative = disabled, 0 = default
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxRetries         int           `yaml:"max_retries"` // 0 = retry forever
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// SubscriptionConfig is one stream group subscribed at startup.
type SubscriptionConfig struct {
	Kind        model.SubscriptionKind `yaml:"kind"`
	Channel     int                    `yaml:"channel"`
	Instruments []model.Instrument     `yaml:"instruments"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads and parses a YAML config file. Environment variables in the
// file are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads the file and fills unset fields with defaults.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads, applies defaults and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// SessionConfig converts the file settings into a session.Config.
func (c *Config) SessionConfig() session.Config {
	endpoints := make(map[model.DataCenter]string, len(c.Feed.Endpoints))
	for dc, url := range c.Feed.Endpoints {
		endpoints[model.DataCenter(dc)] = url
	}

	return session.Config{
		Connection: connection.MachineConfig{
			URL:               c.Feed.URL,
			Endpoints:         endpoints,
			AckTimeout:        c.Session.AckTimeout,
			HeartbeatTimeout:  max(c.Session.HeartbeatTimeout, 0),
			ReconnectBaseWait: c.Session.ReconnectBaseDelay,
			ReconnectMaxWait:  c.Session.ReconnectMaxDelay,
			MaxRetries:        c.Session.MaxRetries,
			Client: connection.ClientConfig{
				HandshakeTimeout: c.Session.HandshakeTimeout,
				PingInterval:     c.Session.PingInterval,
				PingTimeout:      c.Session.PingTimeout,
				WriteTimeout:     c.Session.WriteTimeout,
				BufferSize:       c.Session.BufferSize,
			},
		},
		DefaultChannel: c.Feed.DefaultChannel,
		EventBuffer:    c.Session.BufferSize,
	}
}

// Requests returns the startup subscriptions.
func (c *Config) Requests() []model.SubscriptionRequest {
	reqs := make([]model.SubscriptionRequest, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		reqs = append(reqs, model.SubscriptionRequest{
			Kind:        s.Kind,
			Channel:     s.Channel,
			Instruments: s.Instruments,
		})
	}
	return reqs
}

// Addr returns the status server listen address.
func (c StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewHandler builds the slog handler described by the config.
func (c LoggingConfig) NewHandler(w io.Writer) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
