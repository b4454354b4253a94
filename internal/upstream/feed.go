package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

// errNotKline marks frames that parsed as JSON but are not kline events
// (subscription acks, other stream types). They are skipped, not errors.
var errNotKline = errors.New("not a kline event")

// Feed maintains exactly one live socket to the exchange, translates
// symbol demand into control frames, and recovers from failure.
type Feed interface {
	// Start begins the connection control loop.
	Start(ctx context.Context) error

	// Stop shuts the feed down, interrupting any pending backoff wait.
	Stop(ctx context.Context) error

	// Subscribe records demand for a symbol/interval stream. Idempotent.
	// If connected, the SUBSCRIBE frame is sent immediately; otherwise it
	// is sent on the next successful connect.
	Subscribe(symbol, interval string) error

	// Unsubscribe drops demand for a symbol. Idempotent; no-op if the
	// symbol was never demanded.
	Unsubscribe(symbol string) error

	// Ticks returns the bounded channel of parsed ticks.
	Ticks() <-chan model.Tick

	// States returns a channel of state transitions. Transitions are
	// published non-blockingly; a slow reader misses, never stalls.
	States() <-chan StateChange

	// Fatal reports terminal failures (reconnect budget exhausted).
	Fatal() <-chan error

	// State returns the current lifecycle state.
	State() State

	// Stats returns current feed statistics.
	Stats() FeedStats
}

// feed implements the Feed interface.
type feed struct {
	cfg    FeedConfig
	logger *slog.Logger

	ticks  chan model.Tick
	states chan StateChange
	fatal  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cmdID int64 // atomic control frame id counter

	mu       sync.Mutex
	started  bool
	stopped  bool
	state    State
	attempts int               // consecutive failures since last successful connect
	demand   map[string]string // symbol → interval
	client   Client            // live client while Connected, nil otherwise

	// Counters (guarded by mu)
	ticksParsed   int64
	ticksDropped  int64
	parseErrors   int64
	framesSkipped int64
}

// NewFeed creates a new upstream feed.
func NewFeed(cfg FeedConfig, logger *slog.Logger) Feed {
	if logger == nil {
		logger = slog.Default()
	}

	return &feed{
		cfg:    cfg,
		logger: logger,
		ticks:  make(chan model.Tick, cfg.TickBufferSize),
		states: make(chan StateChange, 16),
		fatal:  make(chan error, 1),
		state:  StateDisconnected,
		demand: make(map[string]string),
	}
}

// Start begins the connection control loop.
func (f *feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	f.started = true
	f.mu.Unlock()

	f.ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.run()

	f.logger.Info("upstream feed started", "url", f.cfg.WSURL)
	return nil
}

// Stop shuts the feed down. Safe to call more than once.
func (f *feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.logger.Info("stopping upstream feed")

	if f.cancel != nil {
		f.cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(f.ticks)
		close(f.states)
		f.logger.Info("upstream feed stopped")
	case <-ctx.Done():
		f.logger.Warn("upstream feed stop timed out")
	}

	return nil
}

// Ticks returns the parsed tick channel.
func (f *feed) Ticks() <-chan model.Tick {
	return f.ticks
}

// States returns the state transition channel.
func (f *feed) States() <-chan StateChange {
	return f.states
}

// Fatal returns the terminal failure channel.
func (f *feed) Fatal() <-chan error {
	return f.fatal
}

// State returns the current lifecycle state.
func (f *feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stats returns current statistics.
func (f *feed) Stats() FeedStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return FeedStats{
		State:             f.state,
		ReconnectAttempts: f.attempts,
		DemandedSymbols:   len(f.demand),
		TicksParsed:       f.ticksParsed,
		TicksDropped:      f.ticksDropped,
		ParseErrors:       f.parseErrors,
		FramesSkipped:     f.framesSkipped,
	}
}

// Subscribe records demand and, if connected, sends the SUBSCRIBE frame.
func (f *feed) Subscribe(symbol, interval string) error {
	f.mu.Lock()
	prev, existed := f.demand[symbol]
	if existed && prev == interval {
		f.mu.Unlock()
		return nil
	}
	f.demand[symbol] = interval
	client := f.client
	connected := f.state == StateConnected
	f.mu.Unlock()

	if !connected {
		return nil
	}

	// Interval changed for a demanded symbol: the old stream has to go
	// before the new one is requested.
	if existed {
		if err := f.sendCommand(client, "UNSUBSCRIBE", symbol, prev); err != nil {
			f.logger.Warn("upstream unsubscribe failed", "symbol", symbol, "interval", prev, "error", err)
		}
	}

	return f.sendCommand(client, "SUBSCRIBE", symbol, interval)
}

// Unsubscribe drops demand and, if connected, sends the UNSUBSCRIBE frame.
func (f *feed) Unsubscribe(symbol string) error {
	f.mu.Lock()
	interval, ok := f.demand[symbol]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.demand, symbol)
	client := f.client
	connected := f.state == StateConnected
	f.mu.Unlock()

	if !connected {
		return nil
	}

	return f.sendCommand(client, "UNSUBSCRIBE", symbol, interval)
}

// run is the connection control loop: Connecting → Connected →
// Reconnecting → Connecting, until shutdown or a terminal failure.
func (f *feed) run() {
	defer f.wg.Done()

	for {
		f.setState(StateConnecting)

		client := NewClient(f.clientConfig(), f.logger)
		if err := client.Connect(f.ctx); err != nil {
			client.Close()

			if f.ctx.Err() != nil {
				f.setState(StateDisconnected)
				return
			}

			f.logger.Warn("upstream connect failed", "url", f.cfg.WSURL, "error", err)
			f.setState(StateReconnecting)
			if !f.backoffWait() {
				return
			}
			continue
		}

		f.mu.Lock()
		f.client = client
		f.attempts = 0
		f.mu.Unlock()
		f.setState(StateConnected)

		// The exchange forgets subscriptions across sockets; replay the
		// full demand set on every connect.
		f.resubscribeAll(client)

		reason := f.consume(client)

		client.Close()
		f.mu.Lock()
		f.client = nil
		f.mu.Unlock()

		if f.ctx.Err() != nil {
			f.setState(StateDisconnected)
			return
		}

		f.logger.Warn("upstream connection lost", "reason", reason)
		f.setState(StateReconnecting)
		if !f.backoffWait() {
			return
		}
	}
}

// consume drains frames and errors from the live client until the
// connection fails or the feed shuts down.
func (f *feed) consume(client Client) error {
	for {
		select {
		case <-f.ctx.Done():
			return f.ctx.Err()

		case err := <-client.Errors():
			return err

		case msg, ok := <-client.Messages():
			if !ok {
				return ErrNotConnected
			}
			f.handleFrame(msg)
		}
	}
}

// handleFrame parses one inbound frame. A bad frame never tears down the
// socket: it is counted and dropped.
func (f *feed) handleFrame(msg RawMessage) {
	tick, err := parseTick(msg.Data)
	if err != nil {
		f.mu.Lock()
		if errors.Is(err, errNotKline) {
			f.framesSkipped++
		} else {
			f.parseErrors++
		}
		f.mu.Unlock()
		f.logger.Debug("dropping unparseable frame", "error", err)
		return
	}

	select {
	case f.ticks <- tick:
		f.mu.Lock()
		f.ticksParsed++
		f.mu.Unlock()
	default:
		f.mu.Lock()
		f.ticksDropped++
		f.mu.Unlock()
		f.logger.Warn("tick buffer full, dropping tick", "symbol", tick.Symbol)
	}
}

// resubscribeAll replays SUBSCRIBE frames for every demanded symbol.
func (f *feed) resubscribeAll(client Client) {
	f.mu.Lock()
	demanded := make(map[string]string, len(f.demand))
	for symbol, interval := range f.demand {
		demanded[symbol] = interval
	}
	f.mu.Unlock()

	if len(demanded) == 0 {
		return
	}

	f.logger.Info("resubscribing demanded symbols", "count", len(demanded))
	for symbol, interval := range demanded {
		if err := f.sendCommand(client, "SUBSCRIBE", symbol, interval); err != nil {
			// Demand stays recorded; the next reconnect retries it.
			f.logger.Warn("resubscribe failed", "symbol", symbol, "error", err)
		}
	}
}

// backoffWait sleeps for the next backoff delay. Returns false when the
// feed should stop retrying (shutdown or exhausted budget).
func (f *feed) backoffWait() bool {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()

	if f.cfg.MaxReconnectAttempts >= 0 && attempt > f.cfg.MaxReconnectAttempts {
		f.logger.Error("reconnect attempts exhausted, giving up",
			"attempts", attempt-1,
			"url", f.cfg.WSURL,
		)
		f.setState(StateDisconnected)
		select {
		case f.fatal <- ErrReconnectsExhausted:
		default:
		}
		return false
	}

	delay := jitter(backoffDelay(attempt-1, f.cfg.ReconnectBaseDelay, f.cfg.ReconnectMaxDelay))
	f.logger.Info("waiting before reconnect", "attempt", attempt, "delay", delay)

	select {
	case <-time.After(delay):
		return true
	case <-f.ctx.Done():
		return false
	}
}

// setState records a transition and publishes it non-blockingly.
func (f *feed) setState(to State) {
	f.mu.Lock()
	from := f.state
	if from == to {
		f.mu.Unlock()
		return
	}
	f.state = to
	f.mu.Unlock()

	f.logger.Debug("feed state changed", "from", from, "to", to)

	select {
	case f.states <- StateChange{From: from, To: to, At: time.Now()}:
	default:
	}
}

func (f *feed) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              f.cfg.WSURL,
		HandshakeTimeout: f.cfg.HandshakeTimeout,
		WriteTimeout:     f.cfg.WriteTimeout,
		PingInterval:     f.cfg.PingInterval,
		PongTimeout:      f.cfg.PongTimeout,
		BufferSize:       f.cfg.ReadBufferSize,
	}
}

// sendCommand sends a SUBSCRIBE/UNSUBSCRIBE control frame.
func (f *feed) sendCommand(client Client, method, symbol, interval string) error {
	if client == nil {
		return ErrNotConnected
	}

	cmd := command{
		Method: method,
		Params: []string{streamName(symbol, interval)},
		ID:     atomic.AddInt64(&f.cmdID, 1),
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", method, err)
	}

	if err := client.Send(data); err != nil {
		return fmt.Errorf("send %s %s: %w", method, symbol, err)
	}

	f.logger.Debug("sent control frame", "method", method, "symbol", symbol, "interval", interval)
	return nil
}

// streamName builds the exchange stream identifier for a symbol/interval.
func streamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// backoffDelay computes the pre-jitter delay for the given attempt:
// base × 2^attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// jitter applies a multiplicative random factor in [0,1).
func jitter(d time.Duration) time.Duration {
	return time.Duration(rand.Float64() * float64(d))
}

// parseTick converts a kline data frame into a Tick.
func parseTick(data []byte) (model.Tick, error) {
	var wire klineEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.Tick{}, fmt.Errorf("unmarshal frame: %w", err)
	}

	if wire.EventType != "kline" || wire.Symbol == "" {
		return model.Tick{}, errNotKline
	}

	open, err := strconv.ParseFloat(wire.Kline.Open, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := strconv.ParseFloat(wire.Kline.High, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := strconv.ParseFloat(wire.Kline.Low, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parse low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(wire.Kline.Close, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parse close: %w", err)
	}
	volume, err := strconv.ParseFloat(wire.Kline.Volume, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parse volume: %w", err)
	}

	return model.Tick{
		Symbol:     wire.Symbol,
		Interval:   wire.Kline.Interval,
		OpenTime:   wire.Kline.OpenTime,
		CloseTime:  wire.Kline.CloseTime,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     volume,
		TradeCount: wire.Kline.TradeCount,
		IsFinal:    wire.Kline.IsFinal,
	}, nil
}
