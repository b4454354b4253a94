package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if !strings.HasPrefix(c.Upstream.WSURL, "ws://") && !strings.HasPrefix(c.Upstream.WSURL, "wss://") {
		return fmt.Errorf("upstream.ws_url must be a ws:// or wss:// URL, got %q", c.Upstream.WSURL)
	}
	if c.Upstream.PongTimeout <= c.Upstream.PingInterval {
		return fmt.Errorf("upstream.pong_timeout (%v) must exceed upstream.ping_interval (%v)",
			c.Upstream.PongTimeout, c.Upstream.PingInterval)
	}
	if c.Upstream.ReconnectMaxDelay < c.Upstream.ReconnectBaseDelay {
		return errors.New("upstream.reconnect_max_delay must be >= upstream.reconnect_base_delay")
	}
	if c.Upstream.MaxReconnectAttempts < -1 {
		return errors.New("upstream.max_reconnect_attempts must be >= -1")
	}
	if c.Upstream.ReadBufferSize < 1 {
		return errors.New("upstream.read_buffer_size must be >= 1")
	}
	if c.Upstream.TickBufferSize < 1 {
		return errors.New("upstream.tick_buffer_size must be >= 1")
	}

	if c.Bus.Capacity < 1 {
		return errors.New("bus.capacity must be >= 1")
	}
	switch c.Bus.OverflowPolicy {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("bus.overflow_policy must be %q or %q, got %q", "drop_oldest", "block", c.Bus.OverflowPolicy)
	}

	if c.Gateway.SweepInterval > c.Gateway.IdleTimeout {
		return errors.New("gateway.sweep_interval must not exceed gateway.idle_timeout")
	}
	if c.Gateway.SendBufferSize < 1 {
		return errors.New("gateway.send_buffer_size must be >= 1")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}
