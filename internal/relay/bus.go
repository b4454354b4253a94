package relay

import (
	"sync"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

// Bus is a pub/sub fan-out for ticks: every subscriber sees every
// published tick, in publish order, through its own bounded ring buffer.
// Capacity and overflow behavior are explicit configuration; the bus
// never grows without bound.
type Bus struct {
	cfg BusConfig

	mu        sync.Mutex
	readers   map[*Reader]struct{}
	closed    bool
	published int64
	dropped   int64
}

// NewBus creates a bus with the given capacity and overflow policy.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = DropOldest
	}
	return &Bus{
		cfg:     cfg,
		readers: make(map[*Reader]struct{}),
	}
}

// Subscribe registers a new reader. Each reader receives every tick
// published after this call.
func (b *Bus) Subscribe() *Reader {
	r := newReader(b.cfg.Capacity, b.cfg.OverflowPolicy)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		r.close()
		return r
	}
	b.readers[r] = struct{}{}
	return r
}

// Unsubscribe detaches and closes a reader.
func (b *Bus) Unsubscribe(r *Reader) {
	b.mu.Lock()
	delete(b.readers, r)
	b.mu.Unlock()
	r.close()
}

// Publish delivers one tick to every subscriber. Bit-for-bit passthrough,
// no transformation. With the Block policy this can stall on a full
// subscriber ring; with DropOldest it never blocks.
func (b *Bus) Publish(tick model.Tick) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	readers := make([]*Reader, 0, len(b.readers))
	for r := range b.readers {
		readers = append(readers, r)
	}
	b.published++
	b.mu.Unlock()

	var dropped int64
	for _, r := range readers {
		if r.put(tick) {
			dropped++
		}
	}

	if dropped > 0 {
		b.mu.Lock()
		b.dropped += dropped
		b.mu.Unlock()
	}
	return true
}

// Close shuts the bus down. Readers drain their remaining ticks and then
// see the closed signal.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	readers := make([]*Reader, 0, len(b.readers))
	for r := range b.readers {
		readers = append(readers, r)
	}
	b.readers = make(map[*Reader]struct{})
	b.mu.Unlock()

	for _, r := range readers {
		r.close()
	}
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusStats{
		Subscribers: len(b.readers),
		Published:   b.published,
		Dropped:     b.dropped,
	}
}

// Reader is one subscriber's bounded FIFO view of the bus. Waiting
// publishers and waiting consumers queue on separate conditions so a
// consumer's wakeup is never consumed by another consumer.
type Reader struct {
	policy OverflowPolicy

	mu       sync.Mutex
	notEmpty *sync.Cond // consumers wait here
	notFull  *sync.Cond // blocked publishers wait here
	buf      []model.Tick
	head     int
	tail     int
	count    int
	capacity int
	closed   bool

	received int64
	taken    int64
	dropped  int64
}

func newReader(capacity int, policy OverflowPolicy) *Reader {
	r := &Reader{
		policy:   policy,
		buf:      make([]model.Tick, capacity),
		capacity: capacity,
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// put adds a tick, applying the overflow policy when full.
// Reports whether an older tick was evicted to make room.
func (r *Reader) put(tick model.Tick) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if r.count == r.capacity {
		switch r.policy {
		case Block:
			for r.count == r.capacity && !r.closed {
				r.notFull.Wait()
			}
			if r.closed {
				return false
			}
		default: // DropOldest
			r.head = (r.head + 1) % r.capacity
			r.count--
			r.dropped++
			evicted = true
		}
	}

	r.buf[r.tail] = tick
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.received++

	r.notEmpty.Signal()
	return evicted
}

// Receive removes and returns the next tick, blocking until one is
// available or the reader is closed and drained.
func (r *Reader) Receive() (model.Tick, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.notEmpty.Wait()
	}

	if r.count == 0 && r.closed {
		return model.Tick{}, false
	}

	tick := r.buf[r.head]
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.taken++

	r.notFull.Signal()
	return tick, true
}

// TryReceive attempts to receive without blocking.
func (r *Reader) TryReceive() (model.Tick, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return model.Tick{}, false
	}

	tick := r.buf[r.head]
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.taken++

	r.notFull.Signal()
	return tick, true
}

// close marks the reader closed and wakes all waiters.
func (r *Reader) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}

// Stats returns reader counters.
func (r *Reader) Stats() ReaderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReaderStats{
		Buffered: r.count,
		Capacity: r.capacity,
		Received: r.received,
		Taken:    r.taken,
		Dropped:  r.dropped,
	}
}
