package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

// mockUpstream records Subscribe/Unsubscribe calls.
type mockUpstream struct {
	mu     sync.Mutex
	subs   []string // "symbol interval"
	unsubs []string
	subErr error
}

func (m *mockUpstream) Subscribe(symbol, interval string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, symbol+" "+interval)
	return m.subErr
}

func (m *mockUpstream) Unsubscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubs = append(m.unsubs, symbol)
	return nil
}

func (m *mockUpstream) subscribes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subs...)
}

func (m *mockUpstream) unsubscribes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubs...)
}

// recordingSink collects delivered ticks.
type recordingSink struct {
	mu    sync.Mutex
	ticks []model.Tick
	err   error
}

func (s *recordingSink) Send(t model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, t)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

// panickingSink always panics on Send.
type panickingSink struct{}

func (panickingSink) Send(model.Tick) error { panic("sink gone") }

func TestRegistry_SingleUpstreamSubscriptionPerSymbol(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := reg.Subscribe("BTCUSDT", "1m", id, &recordingSink{}); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", id, err)
		}
	}

	subs := up.subscribes()
	if len(subs) != 1 {
		t.Fatalf("upstream saw %d SUBSCRIBEs, want 1: %v", len(subs), subs)
	}
	if subs[0] != "BTCUSDT 1m" {
		t.Errorf("subscribe = %q, want %q", subs[0], "BTCUSDT 1m")
	}

	stats := reg.Stats()
	if stats.ActiveSymbols != 1 || stats.TotalSinks != 3 {
		t.Errorf("stats = %+v, want 1 symbol / 3 sinks", stats)
	}
}

func TestRegistry_LastUnsubscribeTearsDown(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	reg.Subscribe("BTCUSDT", "1m", "c1", &recordingSink{})
	reg.Subscribe("BTCUSDT", "1m", "c2", &recordingSink{})

	reg.Unsubscribe("BTCUSDT", "c1")
	if got := up.unsubscribes(); len(got) != 0 {
		t.Fatalf("UNSUBSCRIBE sent while a subscriber remained: %v", got)
	}

	reg.Unsubscribe("BTCUSDT", "c2")
	if got := up.unsubscribes(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("unsubscribes = %v, want [BTCUSDT]", got)
	}

	if stats := reg.Stats(); stats.ActiveSymbols != 0 {
		t.Errorf("ActiveSymbols = %d, want 0 after teardown", stats.ActiveSymbols)
	}

	// Repeat is a no-op
	reg.Unsubscribe("BTCUSDT", "c2")
	if got := up.unsubscribes(); len(got) != 1 {
		t.Errorf("duplicate Unsubscribe sent another frame: %v", got)
	}
}

func TestRegistry_DispatchFansOut(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	s1 := &recordingSink{}
	s2 := &recordingSink{}
	other := &recordingSink{}

	reg.Subscribe("BTCUSDT", "1m", "c1", s1)
	reg.Subscribe("BTCUSDT", "1m", "c2", s2)
	reg.Subscribe("ETHUSDT", "1m", "c3", other)

	reg.Dispatch(tick("BTCUSDT", 65000))

	if s1.count() != 1 || s2.count() != 1 {
		t.Errorf("subscriber counts = %d/%d, want 1/1", s1.count(), s2.count())
	}
	if other.count() != 0 {
		t.Errorf("uninterested sink received %d ticks", other.count())
	}

	// No subscribers for the symbol: silently discarded
	reg.Dispatch(tick("SOLUSDT", 150))

	if stats := reg.Stats(); stats.TicksDispatched != 1 {
		t.Errorf("TicksDispatched = %d, want 1", stats.TicksDispatched)
	}
}

func TestRegistry_PanickingSinkIsIsolated(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	healthy := &recordingSink{}
	reg.Subscribe("BTCUSDT", "1m", "bad", panickingSink{})
	reg.Subscribe("BTCUSDT", "1m", "good", healthy)

	reg.Dispatch(tick("BTCUSDT", 65000))
	reg.Dispatch(tick("BTCUSDT", 65001))

	if healthy.count() != 2 {
		t.Errorf("healthy sink received %d ticks, want 2", healthy.count())
	}
	if stats := reg.Stats(); stats.SinkPanics != 2 {
		t.Errorf("SinkPanics = %d, want 2", stats.SinkPanics)
	}
}

func TestRegistry_FailingSinkCounted(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	failing := &recordingSink{err: errors.New("slow client")}
	healthy := &recordingSink{}
	reg.Subscribe("BTCUSDT", "1m", "c1", failing)
	reg.Subscribe("BTCUSDT", "1m", "c2", healthy)

	reg.Dispatch(tick("BTCUSDT", 65000))

	if healthy.count() != 1 {
		t.Errorf("healthy sink received %d ticks, want 1", healthy.count())
	}
	if stats := reg.Stats(); stats.SinkErrors != 1 {
		t.Errorf("SinkErrors = %d, want 1", stats.SinkErrors)
	}
}

func TestRegistry_UpstreamErrorDoesNotBlockSubscribe(t *testing.T) {
	up := &mockUpstream{subErr: errors.New("not connected")}
	reg := NewRegistry(up, nil)

	sink := &recordingSink{}
	if err := reg.Subscribe("BTCUSDT", "1m", "c1", sink); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// The sink is still registered; demand replay happens upstream
	reg.Dispatch(tick("BTCUSDT", 65000))
	if sink.count() != 1 {
		t.Errorf("sink received %d ticks, want 1", sink.count())
	}
}

func TestRegistry_ListActive(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	reg.Subscribe("BTCUSDT", "1m", "c1", &recordingSink{})
	reg.Subscribe("BTCUSDT", "1m", "c2", &recordingSink{})
	reg.Subscribe("ETHUSDT", "5m", "c3", &recordingSink{})

	active := reg.ListActive()
	if len(active) != 2 {
		t.Fatalf("ListActive returned %d entries, want 2", len(active))
	}

	bysym := make(map[string]ActiveSubscription)
	for _, a := range active {
		bysym[a.Symbol] = a
	}

	if a := bysym["BTCUSDT"]; a.ClientCount != 2 || a.Interval != "1m" {
		t.Errorf("BTCUSDT entry = %+v", a)
	}
	if a := bysym["ETHUSDT"]; a.ClientCount != 1 || a.Interval != "5m" {
		t.Errorf("ETHUSDT entry = %+v", a)
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	reg.Subscribe("BTCUSDT", "1m", "c1", &recordingSink{})
	reg.Subscribe("ETHUSDT", "1m", "c2", &recordingSink{})

	reg.Shutdown()

	if got := up.unsubscribes(); len(got) != 2 {
		t.Errorf("unsubscribes = %v, want both symbols", got)
	}

	if err := reg.Subscribe("SOLUSDT", "1m", "c3", &recordingSink{}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Subscribe after shutdown = %v, want ErrRegistryClosed", err)
	}

	// Idempotent
	reg.Shutdown()
}

func TestRegistry_ConcurrentSubscribeDispatch(t *testing.T) {
	up := &mockUpstream{}
	reg := NewRegistry(up, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				reg.Subscribe("BTCUSDT", "1m", id, &recordingSink{})
				reg.Dispatch(tick("BTCUSDT", float64(j)))
				reg.Unsubscribe("BTCUSDT", id)
			}
		}(i)
	}
	wg.Wait()

	if stats := reg.Stats(); stats.ActiveSymbols != 0 {
		t.Errorf("ActiveSymbols = %d, want 0 after all clients left", stats.ActiveSymbols)
	}
}
