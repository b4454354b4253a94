package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/datnguyennnx/0xsignal-sub003/internal/relay"
)

// Subscriptions is the registry surface the gateway drives.
// Implemented by relay.Registry.
type Subscriptions interface {
	Subscribe(symbol, interval, clientID string, sink relay.TickSink) error
	Unsubscribe(symbol, clientID string)
	Shutdown()
}

// Config configures the client gateway.
type Config struct {
	DefaultInterval string        // Interval used when a subscribe omits one
	IdleTimeout     time.Duration // Idle cutoff before eviction
	SweepInterval   time.Duration // How often idle clients are scanned
	SendBufferSize  int           // Per-client outbound queue length
	NotifyDegraded  bool          // Broadcast degraded/restored on feed outages
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultInterval: "1m",
		IdleTimeout:     5 * time.Minute,
		SweepInterval:   1 * time.Minute,
		SendBufferSize:  256,
	}
}

// Stats provides gateway counters.
type Stats struct {
	ConnectedClients int
	TotalAccepted    int64
	Evicted          int64
}

// Gateway accepts downstream WebSocket connections and translates their
// control messages into registry calls.
type Gateway struct {
	cfg      Config
	subs     Subscriptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	clients  map[string]*client
	closed   bool
	accepted int64
	evicted  int64
}

// New creates a client gateway backed by the given registry.
func New(cfg Config, subs Subscriptions, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		cfg:    cfg,
		subs:   subs,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Start begins the idle-client sweep.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go g.sweepLoop()

	g.logger.Info("client gateway started",
		"idle_timeout", g.cfg.IdleTimeout,
		"sweep_interval", g.cfg.SweepInterval,
	)
	return nil
}

// Stop closes every client, unsubscribes each, and shuts the registry
// down. Safe to call once; later calls are no-ops.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.clients = make(map[string]*client)
	g.mu.Unlock()

	g.logger.Info("stopping client gateway", "clients", len(clients))

	for _, c := range clients {
		g.cleanup(c)
	}

	g.subs.Shutdown()

	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("client gateway stopped")
	case <-ctx.Done():
		g.logger.Warn("client gateway stop timed out")
	}

	return nil
}

// ServeHTTP upgrades a downstream connection and starts its pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), g, conn)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.clients[c.id] = c
	g.accepted++
	g.mu.Unlock()

	go c.writePump()
	go c.readPump()

	ack := newServerMessage(msgConnected)
	ack.ClientID = c.id
	c.enqueue(ack)

	g.logger.Debug("client connected", "client_id", c.id, "remote", r.RemoteAddr)
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Stats returns gateway counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		ConnectedClients: len(g.clients),
		TotalAccepted:    g.accepted,
		Evicted:          g.evicted,
	}
}

// NotifyDegraded tells every client the upstream feed is down.
func (g *Gateway) NotifyDegraded() {
	if !g.cfg.NotifyDegraded {
		return
	}
	g.broadcast(newServerMessage(msgDegraded))
}

// NotifyRestored tells every client the upstream feed recovered.
func (g *Gateway) NotifyRestored() {
	if !g.cfg.NotifyDegraded {
		return
	}
	g.broadcast(newServerMessage(msgRestored))
}

// broadcast enqueues a message for every connected client.
func (g *Gateway) broadcast(msg serverMessage) {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.enqueue(msg)
	}
}

// drop removes a client and runs disconnect cleanup. Idempotent: only
// the caller that actually removes the record performs cleanup.
func (g *Gateway) drop(c *client) {
	g.mu.Lock()
	_, ok := g.clients[c.id]
	if ok {
		delete(g.clients, c.id)
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	g.cleanup(c)
	g.logger.Debug("client disconnected", "client_id", c.id)
}

// cleanup unsubscribes the client's symbol (if any) and closes the socket.
// The dropped flag stops a read pump still inside handleSubscribe from
// registering a sink for a client that no longer exists.
func (g *Gateway) cleanup(c *client) {
	c.mu.Lock()
	c.dropped = true
	symbol := c.currentSymbol
	c.currentSymbol = ""
	c.mu.Unlock()

	if symbol != "" {
		g.subs.Unsubscribe(symbol, c.id)
	}
	c.close()
}

// sweepLoop periodically evicts clients idle beyond the timeout. This
// reclaims abandoned sockets that never sent a close frame.
func (g *Gateway) sweepLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep scans all clients and force-closes the idle ones.
func (g *Gateway) sweep() {
	cutoff := time.Now().Add(-g.cfg.IdleTimeout)

	g.mu.Lock()
	var idle []*client
	for _, c := range g.clients {
		if c.idleSince().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	g.mu.Unlock()

	for _, c := range idle {
		g.logger.Info("evicting idle client",
			"client_id", c.id,
			"idle_since", c.idleSince(),
		)
		g.mu.Lock()
		g.evicted++
		g.mu.Unlock()
		g.drop(c)
	}
}

// handleMessage processes one inbound control message. Malformed or
// unrecognized messages are dropped; the connection stays open.
func (c *client) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.gw.logger.Debug("dropping malformed client message", "client_id", c.id, "error", err)
		return
	}

	switch msg.Type {
	case msgSubscribe:
		c.handleSubscribe(msg)

	case msgUnsubscribe:
		c.handleUnsubscribe()

	case msgPing:
		c.enqueue(newServerMessage(msgPong))

	default:
		c.gw.logger.Debug("dropping unrecognized client message", "client_id", c.id, "type", msg.Type)
	}
}

// handleSubscribe switches the client to a new symbol, implicitly
// unsubscribing the previous one. One active symbol per client is a
// product invariant, not an incidental limit.
func (c *client) handleSubscribe(msg clientMessage) {
	if msg.Symbol == "" {
		c.gw.logger.Debug("dropping subscribe with no symbol", "client_id", c.id)
		return
	}

	interval := msg.Interval
	if interval == "" {
		interval = c.gw.cfg.DefaultInterval
	}

	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	previous := c.currentSymbol
	c.currentSymbol = msg.Symbol
	c.mu.Unlock()

	if previous != "" && previous != msg.Symbol {
		c.gw.subs.Unsubscribe(previous, c.id)
	}

	if err := c.gw.subs.Subscribe(msg.Symbol, interval, c.id, c); err != nil {
		c.gw.logger.Warn("subscribe failed", "client_id", c.id, "symbol", msg.Symbol, "error", err)
		c.mu.Lock()
		c.currentSymbol = ""
		c.mu.Unlock()
		return
	}

	// Cleanup may have run between the symbol swap and the registry call
	// (idle sweep racing the read pump). The record is already gone, so
	// nothing would ever release this registration: undo it here.
	c.mu.Lock()
	dropped := c.dropped
	if dropped {
		c.currentSymbol = ""
	}
	c.mu.Unlock()

	if dropped {
		c.gw.subs.Unsubscribe(msg.Symbol, c.id)
		return
	}

	ack := newServerMessage(msgSubscribed)
	ack.Symbol = msg.Symbol
	c.enqueue(ack)
}

// handleUnsubscribe clears the current symbol, if any.
func (c *client) handleUnsubscribe() {
	c.mu.Lock()
	symbol := c.currentSymbol
	c.currentSymbol = ""
	c.mu.Unlock()

	if symbol != "" {
		c.gw.subs.Unsubscribe(symbol, c.id)
	}

	ack := newServerMessage(msgUnsubscribed)
	ack.Symbol = symbol
	c.enqueue(ack)
}
