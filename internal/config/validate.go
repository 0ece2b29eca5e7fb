package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/rickgao/hsm-feed/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := validateURL("feed.url", c.Feed.URL); err != nil {
		return err
	}
	for dc, u := range c.Feed.Endpoints {
		if !model.DataCenter(dc).Valid() {
			return fmt.Errorf("feed.endpoints: unknown data center %q", dc)
		}
		if err := validateURL("feed.endpoints."+dc, u); err != nil {
			return err
		}
	}
	if c.Feed.DefaultChannel < 1 {
		return errors.New("feed.default_channel must be >= 1")
	}

	if c.Session.AckTimeout <= 0 {
		return errors.New("session.ack_timeout must be > 0")
	}
	if c.Session.ReconnectBaseDelay <= 0 {
		return errors.New("session.reconnect_base_delay must be > 0")
	}
	if c.Session.ReconnectMaxDelay < c.Session.ReconnectBaseDelay {
		return fmt.Errorf("session.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			c.Session.ReconnectMaxDelay, c.Session.ReconnectBaseDelay)
	}
	if c.Session.MaxRetries < 0 {
		return errors.New("session.max_retries must be >= 0")
	}
	if c.Session.BufferSize < 1 {
		return errors.New("session.buffer_size must be >= 1")
	}

	for i, s := range c.Subscriptions {
		prefix := fmt.Sprintf("subscriptions[%d]", i)
		if s.Channel < 1 {
			return fmt.Errorf("%s.channel must be >= 1", prefix)
		}
		if len(s.Instruments) == 0 {
			return fmt.Errorf("%s.instruments is required", prefix)
		}
		for _, inst := range s.Instruments {
			if err := model.ValidateIdentifier(inst.Identifier); err != nil {
				return fmt.Errorf("%s: %w", prefix, err)
			}
		}
	}

	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be between 1 and 65535, got %d", c.Status.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s must use ws or wss, got %q", field, u.Scheme)
	}
	return nil
}
