package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
	"github.com/datnguyennnx/0xsignal-sub003/internal/relay"
)

// fakeSubs records registry calls and keeps sinks so tests can push ticks.
type fakeSubs struct {
	mu          sync.Mutex
	subs        []string // "symbol interval clientID"
	unsubs      []string // "symbol clientID"
	sinks       map[string]relay.TickSink
	shutdown    bool
	err         error
	onSubscribe func() // runs after registration, outside the lock
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{sinks: make(map[string]relay.TickSink)}
}

func (f *fakeSubs) Subscribe(symbol, interval, clientID string, sink relay.TickSink) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.subs = append(f.subs, symbol+" "+interval+" "+clientID)
	f.sinks[symbol] = sink
	hook := f.onSubscribe
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeSubs) Unsubscribe(symbol, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, symbol+" "+clientID)
	delete(f.sinks, symbol)
}

func (f *fakeSubs) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeSubs) subscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

func (f *fakeSubs) unsubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubs...)
}

func (f *fakeSubs) sink(symbol string) relay.TickSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[symbol]
}

func testGatewayConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Second
	cfg.SweepInterval = time.Second
	return cfg
}

// startGateway spins up a gateway behind an httptest server and returns
// both plus a cleanup-ready websocket URL.
func startGateway(t *testing.T, cfg Config, subs Subscriptions) (*Gateway, string) {
	t.Helper()

	gw := New(cfg, subs, nil)
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("gateway Start failed: %v", err)
	}

	server := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		gw.Stop(ctx)
		server.Close()
	})

	return gw, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMsg reads one server message with a deadline.
func readMsg(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestGateway_ConnectedAck(t *testing.T) {
	subs := newFakeSubs()
	gw, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)

	msg := readMsg(t, conn)
	if msg.Type != msgConnected {
		t.Errorf("Type = %q, want %q", msg.Type, msgConnected)
	}
	if msg.ClientID == "" {
		t.Error("ClientID is empty")
	}
	if msg.Timestamp == 0 {
		t.Error("Timestamp is zero")
	}

	deadline := time.Now().Add(time.Second)
	for gw.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gw.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", gw.ClientCount())
	}
}

func TestGateway_SubscribeAndReceiveData(t *testing.T) {
	subs := newFakeSubs()
	_, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn) // connected

	sendMsg(t, conn, clientMessage{Type: msgSubscribe, Symbol: "BTCUSDT", Interval: "1m"})

	ack := readMsg(t, conn)
	if ack.Type != msgSubscribed || ack.Symbol != "BTCUSDT" {
		t.Fatalf("ack = %+v, want subscribed BTCUSDT", ack)
	}

	sink := subs.sink("BTCUSDT")
	if sink == nil {
		t.Fatal("no sink registered for BTCUSDT")
	}

	sink.Send(model.Tick{
		Symbol: "BTCUSDT", Interval: "1m",
		CloseTime: 1700000059999,
		Open:      64950.10, High: 65100.00, Low: 64900.25, Close: 65000.00,
		Volume: 12.345,
	})

	data := readMsg(t, conn)
	if data.Type != msgData || data.Symbol != "BTCUSDT" {
		t.Fatalf("data = %+v, want data BTCUSDT", data)
	}
	if data.Data == nil {
		t.Fatal("Data payload is nil")
	}
	if data.Data.Time != 1700000059 {
		t.Errorf("Time = %d, want 1700000059", data.Data.Time)
	}
	if data.Data.Close != 65000.00 {
		t.Errorf("Close = %v, want 65000.00", data.Data.Close)
	}
}

func TestGateway_SubscribeDefaultInterval(t *testing.T) {
	subs := newFakeSubs()
	_, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgSubscribe, Symbol: "ETHUSDT"})
	readMsg(t, conn) // subscribed

	got := subs.subscribes()
	if len(got) != 1 || !strings.HasPrefix(got[0], "ETHUSDT 1m ") {
		t.Errorf("subscribes = %v, want ETHUSDT with default 1m interval", got)
	}
}

func TestGateway_SymbolSwitching(t *testing.T) {
	subs := newFakeSubs()
	_, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgSubscribe, Symbol: "BTCUSDT"})
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgSubscribe, Symbol: "ETHUSDT"})
	ack := readMsg(t, conn)
	if ack.Symbol != "ETHUSDT" {
		t.Fatalf("ack symbol = %q, want ETHUSDT", ack.Symbol)
	}

	// The old symbol is released before the new subscription is acked
	unsubs := subs.unsubscribes()
	if len(unsubs) != 1 || !strings.HasPrefix(unsubs[0], "BTCUSDT ") {
		t.Errorf("unsubscribes = %v, want [BTCUSDT <id>]", unsubs)
	}
	if got := subs.subscribes(); len(got) != 2 {
		t.Errorf("subscribes = %v, want both symbols", got)
	}
}

func TestGateway_Unsubscribe(t *testing.T) {
	subs := newFakeSubs()
	_, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgSubscribe, Symbol: "BTCUSDT"})
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgUnsubscribe})
	ack := readMsg(t, conn)
	if ack.Type != msgUnsubscribed || ack.Symbol != "BTCUSDT" {
		t.Errorf("ack = %+v, want unsubscribed BTCUSDT", ack)
	}

	if got := subs.unsubscribes(); len(got) != 1 {
		t.Errorf("unsubscribes = %v, want one entry", got)
	}

	// No active symbol: still acked, no registry call
	sendMsg(t, conn, clientMessage{Type: msgUnsubscribe})
	ack = readMsg(t, conn)
	if ack.Type != msgUnsubscribed || ack.Symbol != "" {
		t.Errorf("second ack = %+v, want empty symbol", ack)
	}
	if got := subs.unsubscribes(); len(got) != 1 {
		t.Errorf("unsubscribes = %v after no-op unsubscribe", got)
	}
}

func TestGateway_PingPong(t *testing.T) {
	subs := newFakeSubs()
	_, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgPing})
	if msg := readMsg(t, conn); msg.Type != msgPong {
		t.Errorf("Type = %q, want %q", msg.Type, msgPong)
	}
}

func TestGateway_MalformedMessageIgnored(t *testing.T) {
	subs := newFakeSubs()
	_, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	sendMsg(t, conn, clientMessage{Type: "bogus"})
	sendMsg(t, conn, clientMessage{Type: msgSubscribe}) // missing symbol

	// Connection survives all three; ping still answered
	sendMsg(t, conn, clientMessage{Type: msgPing})
	if msg := readMsg(t, conn); msg.Type != msgPong {
		t.Errorf("Type = %q, want %q", msg.Type, msgPong)
	}

	if got := subs.subscribes(); len(got) != 0 {
		t.Errorf("subscribes = %v, want none", got)
	}
}

func TestGateway_IdleEviction(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 25 * time.Millisecond

	subs := newFakeSubs()
	gw, url := startGateway(t, cfg, subs)

	conn := dial(t, url)
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgSubscribe, Symbol: "BTCUSDT"})
	readMsg(t, conn)

	// Go quiet and wait for the sweeper
	deadline := time.Now().Add(2 * time.Second)
	for gw.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if gw.ClientCount() != 0 {
		t.Fatal("idle client was never evicted")
	}
	if got := subs.unsubscribes(); len(got) != 1 || !strings.HasPrefix(got[0], "BTCUSDT ") {
		t.Errorf("unsubscribes = %v, want [BTCUSDT <id>]", got)
	}
	if stats := gw.Stats(); stats.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", stats.Evicted)
	}

	// The server closed the socket: reads fail from here on
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded on an evicted connection")
	}
}

func TestGateway_ActivityDefersEviction(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.SweepInterval = 25 * time.Millisecond

	subs := newFakeSubs()
	gw, url := startGateway(t, cfg, subs)

	conn := dial(t, url)
	readMsg(t, conn)

	// Keep pinging past several idle windows
	for i := 0; i < 6; i++ {
		sendMsg(t, conn, clientMessage{Type: msgPing})
		readMsg(t, conn)
		time.Sleep(50 * time.Millisecond)
	}

	if gw.ClientCount() != 1 {
		t.Error("active client was evicted")
	}
}

func TestGateway_DisconnectCleanup(t *testing.T) {
	subs := newFakeSubs()
	gw, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	sendMsg(t, conn, clientMessage{Type: msgSubscribe, Symbol: "BTCUSDT"})
	readMsg(t, conn)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for gw.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if gw.ClientCount() != 0 {
		t.Fatal("client record survived disconnect")
	}
	if got := subs.unsubscribes(); len(got) != 1 {
		t.Errorf("unsubscribes = %v, want exactly one", got)
	}
}

func TestGateway_StopShutsDownRegistry(t *testing.T) {
	subs := newFakeSubs()
	gw := New(testGatewayConfig(), subs, nil)
	gw.Start(context.Background())

	server := httptest.NewServer(gw)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	subs.mu.Lock()
	down := subs.shutdown
	subs.mu.Unlock()
	if !down {
		t.Error("registry Shutdown was not called")
	}

	// New connections are refused after stop
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

// soleClient returns the one connected client record.
func soleClient(t *testing.T, gw *Gateway) *client {
	t.Helper()
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.clients) != 1 {
		t.Fatalf("client count = %d, want 1", len(gw.clients))
	}
	for _, c := range gw.clients {
		return c
	}
	return nil
}

func TestGateway_SubscribeAfterDropIsIgnored(t *testing.T) {
	subs := newFakeSubs()
	gw, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	c := soleClient(t, gw)

	// Idle sweep evicts the client while its read pump still holds a
	// subscribe it read before the eviction.
	gw.drop(c)
	c.handleSubscribe(clientMessage{Type: msgSubscribe, Symbol: "BTCUSDT"})

	if got := subs.subscribes(); len(got) != 0 {
		t.Errorf("subscribes = %v, want none for a dropped client", got)
	}
	if subs.sink("BTCUSDT") != nil {
		t.Error("sink registered for a dropped client")
	}
}

func TestGateway_DropDuringSubscribeReleasesRegistration(t *testing.T) {
	subs := newFakeSubs()
	gw, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	c := soleClient(t, gw)

	// Eviction lands between the symbol swap and the registry call
	// returning: the registration must be undone, not leaked.
	subs.onSubscribe = func() { gw.drop(c) }
	c.handleSubscribe(clientMessage{Type: msgSubscribe, Symbol: "BTCUSDT"})

	if subs.sink("BTCUSDT") != nil {
		t.Error("sink survived a mid-subscribe drop")
	}
	unsubs := subs.unsubscribes()
	var released bool
	for _, u := range unsubs {
		if strings.HasPrefix(u, "BTCUSDT ") {
			released = true
		}
	}
	if !released {
		t.Errorf("unsubscribes = %v, want BTCUSDT released", unsubs)
	}
	if gw.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", gw.ClientCount())
	}
}

func TestGateway_NotifyDegradedBroadcast(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.NotifyDegraded = true

	subs := newFakeSubs()
	gw, url := startGateway(t, cfg, subs)

	c1 := dial(t, url)
	c2 := dial(t, url)
	readMsg(t, c1)
	readMsg(t, c2)

	gw.NotifyDegraded()
	for _, conn := range []*websocket.Conn{c1, c2} {
		if msg := readMsg(t, conn); msg.Type != msgDegraded {
			t.Errorf("Type = %q, want %q", msg.Type, msgDegraded)
		}
	}

	gw.NotifyRestored()
	for _, conn := range []*websocket.Conn{c1, c2} {
		if msg := readMsg(t, conn); msg.Type != msgRestored {
			t.Errorf("Type = %q, want %q", msg.Type, msgRestored)
		}
	}
}

func TestGateway_NotifyDegradedDisabled(t *testing.T) {
	subs := newFakeSubs()
	gw, url := startGateway(t, testGatewayConfig(), subs)

	conn := dial(t, url)
	readMsg(t, conn)

	gw.NotifyDegraded()

	// Gated off: nothing arrives, ping answer comes first
	sendMsg(t, conn, clientMessage{Type: msgPing})
	if msg := readMsg(t, conn); msg.Type != msgPong {
		t.Errorf("Type = %q, want %q (degraded notice leaked)", msg.Type, msgPong)
	}
}
