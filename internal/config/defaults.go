package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL                = "wss://stream.binance.com:9443/ws"
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultPingInterval         = 15 * time.Second
	DefaultPongTimeout          = 45 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultReadBufferSize       = 1000
	DefaultTickBufferSize       = 1000
	DefaultBusCapacity          = 4096
	DefaultOverflowPolicy       = "drop_oldest"
	DefaultGatewayAddr          = ":8081"
	DefaultInterval             = "1m"
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultSweepInterval        = 1 * time.Minute
	DefaultSendBufferSize       = 256
	DefaultHealthPort           = 8080
)

func (c *RelayConfig) applyDefaults() {
	// Upstream defaults
	if c.Upstream.WSURL == "" {
		c.Upstream.WSURL = DefaultWSURL
	}
	if c.Upstream.HandshakeTimeout == 0 {
		c.Upstream.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Upstream.WriteTimeout == 0 {
		c.Upstream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Upstream.PingInterval == 0 {
		c.Upstream.PingInterval = DefaultPingInterval
	}
	if c.Upstream.PongTimeout == 0 {
		c.Upstream.PongTimeout = DefaultPongTimeout
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Upstream.MaxReconnectAttempts == 0 {
		c.Upstream.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Upstream.ReadBufferSize == 0 {
		c.Upstream.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Upstream.TickBufferSize == 0 {
		c.Upstream.TickBufferSize = DefaultTickBufferSize
	}

	// Bus defaults
	if c.Bus.Capacity == 0 {
		c.Bus.Capacity = DefaultBusCapacity
	}
	if c.Bus.OverflowPolicy == "" {
		c.Bus.OverflowPolicy = DefaultOverflowPolicy
	}

	// Gateway defaults
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = DefaultGatewayAddr
	}
	if c.Gateway.DefaultInterval == "" {
		c.Gateway.DefaultInterval = DefaultInterval
	}
	if c.Gateway.IdleTimeout == 0 {
		c.Gateway.IdleTimeout = DefaultIdleTimeout
	}
	if c.Gateway.SweepInterval == 0 {
		c.Gateway.SweepInterval = DefaultSweepInterval
	}
	if c.Gateway.SendBufferSize == 0 {
		c.Gateway.SendBufferSize = DefaultSendBufferSize
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}
