package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendQueueDepth = 64

// Conn adapts a *websocket.Conn to registry.Socket. Writes are funneled
// through a single writer goroutine (writePump) because gorilla/websocket
// forbids concurrent writers on one connection — the same reader/writer
// goroutine split the teacher's root main.go uses for its Client type.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// NewConn wraps ws, identified by id (used as the SendBudget/log key), and
// starts its writer goroutine.
func NewConn(id string, ws *websocket.Conn) *Conn {
	conn := &Conn{id: id, ws: ws, send: make(chan []byte, sendQueueDepth)}
	go conn.writePump()
	return conn
}

// ID returns the connection's stable identifier (not the peer uuid, which
// may change across re-auth).
func (c *Conn) ID() string { return c.id }

// IsOpen implements registry.Socket.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send implements registry.Socket. It enqueues payload for the writer
// goroutine; if the queue is full the frame is dropped rather than blocking
// the caller (spec §5's unbounded-buffering guard). The closed check and the
// channel send happen under the same lock Close uses to close the channel,
// so a concurrent Close can never close c.send out from under this send.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close implements registry.Socket. Holding c.mu for the whole call,
// including close(c.send), is what makes it safe for Send to check c.closed
// and write to c.send under the same lock.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	close(c.send)
	return c.ws.Close()
}

// ReadMessage blocks for the next inbound text frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Conn) writePump() {
	for payload := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

var errSendQueueFull = sendQueueFullError{}

type sendQueueFullError struct{}

func (sendQueueFullError) Error() string { return "gateway: send queue full, frame dropped" }
