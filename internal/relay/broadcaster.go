package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

// ErrBroadcasterHalted reports the broadcaster loop dying while the
// process is still running. No tick reaches any client after this, so it
// is treated as a process-level failure.
var ErrBroadcasterHalted = errors.New("broadcaster halted: tick source closed")

// Broadcaster decouples the upstream reader from dispatch: it drains the
// feed's tick channel and republishes every tick onto the bus so a slow
// subscriber can never stall the socket's read loop.
type Broadcaster struct {
	ticks  <-chan model.Tick
	bus    *Bus
	logger *slog.Logger

	fatal chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcaster creates a broadcaster that relays ticks onto the bus.
func NewBroadcaster(ticks <-chan model.Tick, bus *Bus, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	return &Broadcaster{
		ticks:  ticks,
		bus:    bus,
		logger: logger,
		fatal:  make(chan error, 1),
	}
}

// Start begins the relay loop.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.loop()

	b.logger.Info("broadcaster started")
	return nil
}

// Stop shuts the broadcaster down.
func (b *Broadcaster) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("broadcaster stopped")
	case <-ctx.Done():
		b.logger.Warn("broadcaster stop timed out")
	}

	return nil
}

// Fatal reports an unexpected loop exit.
func (b *Broadcaster) Fatal() <-chan error {
	return b.fatal
}

// loop relays ticks until shutdown. The loop must never die silently:
// an unexpected exit is surfaced on the fatal channel.
func (b *Broadcaster) loop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return

		case tick, ok := <-b.ticks:
			if !ok {
				if b.ctx.Err() != nil {
					return // normal shutdown
				}
				b.logger.Error("tick source closed while running, relay halted")
				select {
				case b.fatal <- ErrBroadcasterHalted:
				default:
				}
				return
			}
			b.bus.Publish(tick)
		}
	}
}
