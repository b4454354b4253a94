package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Bus      BusConfig      `yaml:"bus"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// UpstreamConfig holds exchange feed connection settings.
type UpstreamConfig struct {
	WSURL                string        `yaml:"ws_url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // -1 = retry forever
	ReadBufferSize       int           `yaml:"read_buffer_size"`       // raw frame channel
	TickBufferSize       int           `yaml:"tick_buffer_size"`       // parsed tick channel
}

// BusConfig holds fan-out bus settings.
//
// The bus is deliberately bounded: capacity and overflow behavior are
// explicit configuration, not an implicit unbounded queue.
type BusConfig struct {
	Capacity       int    `yaml:"capacity"`
	OverflowPolicy string `yaml:"overflow_policy"` // "drop_oldest" or "block"
}

// GatewayConfig holds downstream client gateway settings.
type GatewayConfig struct {
	Addr            string        `yaml:"addr"`
	DefaultInterval string        `yaml:"default_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	NotifyDegraded  bool          `yaml:"notify_degraded"`
}

// HealthConfig holds health/status endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
