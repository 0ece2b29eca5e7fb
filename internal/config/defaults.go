package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultFeedURL            = "wss://mlhsm.kotaksecurities.com"
	DefaultChannel            = 1
	DefaultAckTimeout         = 10 * time.Second
	DefaultHeartbeatTimeout   = 60 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 1000
	DefaultStatusPort         = 8080
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *Config) applyDefaults() {
	// Feed defaults
	if c.Feed.URL == "" {
		c.Feed.URL = DefaultFeedURL
	}
	if c.Feed.DefaultChannel == 0 {
		c.Feed.DefaultChannel = DefaultChannel
	}

	// Session defaults
	if c.Session.AckTimeout == 0 {
		c.Session.AckTimeout = DefaultAckTimeout
	}
	if c.Session.HeartbeatTimeout == 0 {
		c.Session.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.ReconnectMaxDelay == 0 {
		c.Session.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Session.PingInterval == 0 {
		c.Session.PingInterval = DefaultPingInterval
	}
	if c.Session.PingTimeout == 0 {
		c.Session.PingTimeout = DefaultPingTimeout
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultWriteTimeout
	}
	if c.Session.BufferSize == 0 {
		c.Session.BufferSize = DefaultBufferSize
	}

	// Subscription defaults
	for i := range c.Subscriptions {
		if c.Subscriptions[i].Channel == 0 {
			c.Subscriptions[i].Channel = c.Feed.DefaultChannel
		}
	}

	// Status defaults
	if c.Status.Port == 0 {
		c.Status.Port = DefaultStatusPort
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}
