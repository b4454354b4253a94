package upstream

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrStaleConnection     = errors.New("connection stale (no pong)")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrAlreadyStarted      = errors.New("feed already started")
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
)

// State is the upstream connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange records a single feed state transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// RawMessage wraps raw frame bytes with a receive timestamp.
type RawMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://stream.binance.com:9443/ws)
	HandshakeTimeout time.Duration // Dial handshake timeout
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // How often to send keepalive pings
	PongTimeout      time.Duration // Max time without pong before the connection is stale
	BufferSize       int           // Raw message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		PongTimeout:      45 * time.Second,
		BufferSize:       1000,
	}
}

// FeedConfig configures the Feed.
type FeedConfig struct {
	WSURL                string        // WebSocket URL
	HandshakeTimeout     time.Duration // Dial handshake timeout
	WriteTimeout         time.Duration // Write deadline for control frames
	PingInterval         time.Duration // Keepalive ping cadence
	PongTimeout          time.Duration // Liveness cutoff
	ReconnectBaseDelay   time.Duration // Base wait for exponential backoff
	ReconnectMaxDelay    time.Duration // Backoff cap
	MaxReconnectAttempts int           // Consecutive failed attempts before giving up; -1 = never
	ReadBufferSize       int           // Raw frame channel buffer size
	TickBufferSize       int           // Parsed tick channel buffer size
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         15 * time.Second,
		PongTimeout:          45 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
		ReadBufferSize:       1000,
		TickBufferSize:       1000,
	}
}

// FeedStats provides a snapshot of feed counters.
type FeedStats struct {
	State             State
	ReconnectAttempts int // Consecutive failures since the last successful connect
	DemandedSymbols   int
	TicksParsed       int64
	TicksDropped      int64
	ParseErrors       int64
	FramesSkipped     int64 // Valid JSON, but not a kline event
}

// command is a control frame sent to the exchange.
type command struct {
	Method string   `json:"method"` // "SUBSCRIBE" or "UNSUBSCRIBE"
	Params []string `json:"params"` // e.g., ["btcusdt@kline_1m"]
	ID     int64    `json:"id"`
}

// klineEventWire is the wire format for kline data frames.
type klineEventWire struct {
	EventType string `json:"e"` // "kline"
	Symbol    string `json:"s"`
	Kline     struct {
		Interval   string `json:"i"`
		OpenTime   int64  `json:"t"`
		CloseTime  int64  `json:"T"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
		TradeCount int64  `json:"n"`
		IsFinal    bool   `json:"x"`
	} `json:"k"`
}
