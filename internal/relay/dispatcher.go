package relay

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher is the single consumer that drives Registry.Dispatch from a
// bus subscription. Being the only reader of its Reader preserves FIFO
// order for ticks of the same symbol; no ordering exists across symbols.
type Dispatcher struct {
	reader   *Reader
	registry *Registry
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher reading from the given bus subscription.
func NewDispatcher(reader *Reader, registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		reader:   reader,
		registry: registry,
		logger:   logger,
	}
}

// Start begins the dispatch loop. The loop ends when the reader is
// closed (bus shutdown).
func (d *Dispatcher) Start(ctx context.Context) error {
	d.wg.Add(1)
	go d.loop()

	d.logger.Info("dispatcher started")
	return nil
}

// Stop waits for the dispatch loop to drain and exit. Close the bus (or
// unsubscribe the reader) first; Stop only waits.
func (d *Dispatcher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
	}

	return nil
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		tick, ok := d.reader.Receive()
		if !ok {
			return
		}
		d.registry.Dispatch(tick)
	}
}
