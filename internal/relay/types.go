package relay

import (
	"errors"
	"time"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

// Errors
var (
	ErrRegistryClosed = errors.New("registry closed")
)

// OverflowPolicy decides what a full subscriber buffer does with a new tick.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest buffered tick to make room.
	DropOldest OverflowPolicy = "drop_oldest"

	// Block stalls the publisher until the subscriber drains.
	Block OverflowPolicy = "block"
)

// TickSink receives dispatched ticks. One implementation exists per
// downstream transport; sinks are stored by the Registry instead of
// opaque closures so ownership stays explicit.
type TickSink interface {
	Send(model.Tick) error
}

// Upstream is the control surface the Registry drives: one subscription
// per demanded symbol. Implemented by upstream.Feed.
type Upstream interface {
	Subscribe(symbol, interval string) error
	Unsubscribe(symbol string) error
}

// BusConfig configures the fan-out bus.
type BusConfig struct {
	Capacity       int            // Per-subscriber ring capacity
	OverflowPolicy OverflowPolicy // What Publish does when a ring is full
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Capacity:       4096,
		OverflowPolicy: DropOldest,
	}
}

// ActiveSubscription is a snapshot of one symbol's registry entry.
type ActiveSubscription struct {
	Symbol      string    `json:"symbol"`
	Interval    string    `json:"interval"`
	ClientCount int       `json:"clientCount"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// RegistryStats contains registry runtime counters.
type RegistryStats struct {
	ActiveSymbols   int
	TotalSinks      int
	TicksDispatched int64
	SinkErrors      int64
	SinkPanics      int64
}

// BusStats contains bus runtime counters.
type BusStats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

// ReaderStats contains per-subscription buffer counters.
type ReaderStats struct {
	Buffered int
	Capacity int
	Received int64
	Taken    int64
	Dropped  int64
}
