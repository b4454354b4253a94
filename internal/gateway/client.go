package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

const (
	writeWait      = 2 * time.Second
	maxMessageSize = 4096 // control messages only; data flows the other way
)

// Errors
var (
	ErrClientClosed = errors.New("client closed")
	ErrSlowClient   = errors.New("client send buffer full")
)

// client is one downstream connection. It implements relay.TickSink:
// dispatched ticks are reshaped to chart points and enqueued for the
// write pump.
type client struct {
	id string
	gw *Gateway

	conn *websocket.Conn
	send chan serverMessage
	done chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	currentSymbol string
	dropped       bool
	connectedAt   time.Time
	lastActivity  time.Time
}

func newClient(id string, gw *Gateway, conn *websocket.Conn) *client {
	now := time.Now()
	return &client{
		id:           id,
		gw:           gw,
		conn:         conn,
		send:         make(chan serverMessage, gw.cfg.SendBufferSize),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
	}
}

// Send implements relay.TickSink. Delivery is best-effort: a full queue
// or a closed client drops the tick without surfacing a protocol error.
func (c *client) Send(tick model.Tick) error {
	point := tick.ChartPoint()
	msg := newServerMessage(msgData)
	msg.Symbol = tick.Symbol
	msg.Data = &point

	return c.enqueue(msg)
}

// enqueue queues an outbound message without blocking.
func (c *client) enqueue(msg serverMessage) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSlowClient
	}
}

// close tears the socket down exactly once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// touch refreshes the idle clock. Any inbound message counts.
func (c *client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// idleSince returns the last activity time.
func (c *client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// readPump reads control messages until the socket closes, then runs
// disconnect cleanup.
func (c *client) readPump() {
	defer c.gw.drop(c)

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("client read error", "client_id", c.id, "error", err)
			}
			return
		}

		c.touch()
		c.handleMessage(data)
	}
}

// writePump drains the outbound queue onto the socket. Write errors end
// the connection; they are never surfaced to the protocol.
func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.gw.logger.Debug("client write error", "client_id", c.id, "error", err)
				return
			}
		}
	}
}
