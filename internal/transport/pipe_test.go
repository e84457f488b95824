package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pipeConn is an in-memory wireConn used to test Session framing, replay
// detection, and idle timeouts without a real network connection.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	rdl    time.Time
	closed chan struct{}
}

func newPipePair() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	dl := c.rdl
	c.mu.Unlock()

	var timer *time.Timer
	var timerC <-chan time.Time
	if !dl.IsZero() {
		d := time.Until(dl)
		if d <= 0 {
			return 0, nil, pipeTimeoutErr{}
		}
		timer = time.NewTimer(d)
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case msg, ok := <-c.in:
		if !ok {
			return 0, nil, fmt.Errorf("pipe closed")
		}
		return websocket.BinaryMessage, msg, nil
	case <-timerC:
		return 0, nil, pipeTimeoutErr{}
	case <-c.closed:
		return 0, nil, fmt.Errorf("pipe closed")
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("pipe closed")
	}
}

func (c *pipeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdl = t
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *pipeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type pipeTimeoutErr struct{}

func (pipeTimeoutErr) Error() string   { return "i/o timeout" }
func (pipeTimeoutErr) Timeout() bool   { return true }
func (pipeTimeoutErr) Temporary() bool { return true }
