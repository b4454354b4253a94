package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

// symbolSub is the per-symbol fan-out entry. It exists only while at
// least one sink is registered; empty entries are deleted, never kept.
type symbolSub struct {
	interval   string
	sinks      map[string]TickSink // clientID → sink
	lastUpdate time.Time
}

// Registry maps N downstream subscribers per symbol onto exactly one
// upstream subscription per symbol and fans incoming ticks out to every
// interested sink.
//
// All map mutations happen under a single mutex: "first subscriber
// creates, last unsubscriber destroys" is a race unless serialized with
// dispatch visibility.
type Registry struct {
	upstream Upstream
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[string]*symbolSub
	closed bool

	dispatched int64
	sinkErrors int64
	sinkPanics int64
}

// NewRegistry creates a subscription registry backed by the given upstream.
func NewRegistry(upstream Upstream, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		upstream: upstream,
		logger:   logger,
		subs:     make(map[string]*symbolSub),
	}
}

// Subscribe registers a sink for a symbol. The first subscriber for a
// symbol triggers the upstream SUBSCRIBE before the entry becomes
// visible to dispatch, so a tick is never fanned out for a symbol with
// no upstream demand.
func (r *Registry) Subscribe(symbol, interval, clientID string, sink TickSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	sub, ok := r.subs[symbol]
	if !ok {
		// A failed control frame is not fatal: demand stays recorded in
		// the feed and is replayed on the next reconnect.
		if err := r.upstream.Subscribe(symbol, interval); err != nil {
			r.logger.Warn("upstream subscribe failed",
				"symbol", symbol,
				"interval", interval,
				"error", err,
			)
		}
		sub = &symbolSub{
			interval: interval,
			sinks:    make(map[string]TickSink),
		}
		r.subs[symbol] = sub
		r.logger.Debug("symbol subscription created", "symbol", symbol, "interval", interval)
	}

	sub.sinks[clientID] = sink
	sub.lastUpdate = time.Now()
	return nil
}

// Unsubscribe removes a client's sink for a symbol. When the last sink
// goes, the entry is deleted and the upstream UNSUBSCRIBE is sent
// immediately, not debounced.
func (r *Registry) Unsubscribe(symbol, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[symbol]
	if !ok {
		return
	}

	delete(sub.sinks, clientID)
	sub.lastUpdate = time.Now()

	if len(sub.sinks) == 0 {
		delete(r.subs, symbol)
		if err := r.upstream.Unsubscribe(symbol); err != nil {
			r.logger.Warn("upstream unsubscribe failed", "symbol", symbol, "error", err)
		}
		r.logger.Debug("symbol subscription torn down", "symbol", symbol)
	}
}

// Dispatch fans one tick out to every sink registered for its symbol.
// Sinks run outside the lock; each invocation is isolated so one failing
// or panicking sink never starves its siblings or kills the dispatch loop.
func (r *Registry) Dispatch(tick model.Tick) {
	r.mu.Lock()
	sub, ok := r.subs[tick.Symbol]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.lastUpdate = time.Now()
	sinks := make([]TickSink, 0, len(sub.sinks))
	for _, s := range sub.sinks {
		sinks = append(sinks, s)
	}
	r.dispatched++
	r.mu.Unlock()

	for _, s := range sinks {
		r.deliver(s, tick)
	}
}

// deliver invokes one sink with panic isolation.
func (r *Registry) deliver(sink TickSink, tick model.Tick) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.sinkPanics++
			r.mu.Unlock()
			r.logger.Warn("sink panicked during dispatch", "symbol", tick.Symbol, "panic", p)
		}
	}()

	if err := sink.Send(tick); err != nil {
		r.mu.Lock()
		r.sinkErrors++
		r.mu.Unlock()
		r.logger.Debug("sink send failed", "symbol", tick.Symbol, "error", err)
	}
}

// ListActive returns a snapshot of every active symbol subscription.
func (r *Registry) ListActive() []ActiveSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ActiveSubscription, 0, len(r.subs))
	for symbol, sub := range r.subs {
		out = append(out, ActiveSubscription{
			Symbol:      symbol,
			Interval:    sub.interval,
			ClientCount: len(sub.sinks),
			LastUpdate:  sub.lastUpdate,
		})
	}
	return out
}

// Shutdown unsubscribes every active symbol upstream and clears the map.
// Further Subscribe calls fail with ErrRegistryClosed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for symbol := range r.subs {
		if err := r.upstream.Unsubscribe(symbol); err != nil {
			r.logger.Warn("upstream unsubscribe failed during shutdown", "symbol", symbol, "error", err)
		}
	}
	r.subs = make(map[string]*symbolSub)

	r.logger.Info("subscription registry shut down")
}

// Stats returns registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, sub := range r.subs {
		total += len(sub.sinks)
	}

	return RegistryStats{
		ActiveSymbols:   len(r.subs),
		TotalSinks:      total,
		TicksDispatched: r.dispatched,
		SinkErrors:      r.sinkErrors,
		SinkPanics:      r.sinkPanics,
	}
}
