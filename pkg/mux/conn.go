package mux

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"warpgate/pkg/stream"
)

// conn is one websocket client. It is the hub observer for that client and
// owns the only goroutine that writes to the socket. Hub events and request
// frames are queued separately: producers wait for room in out, while a full
// events queue means the client is too slow and gets evicted.
type conn struct {
	id          string
	remote      string
	connectedAt time.Time
	ws          *websocket.Conn
	out         chan Frame
	events      chan Frame
	done        chan struct{}
	closeOnce   sync.Once

	mu       sync.Mutex
	reason   string
	requests map[string]*request
	lastPong time.Time
}

type request struct {
	cancel    context.CancelFunc
	cancelled bool
}

func newConn(id, remote string, ws *websocket.Conn, buffer int) *conn {
	now := time.Now().UTC()
	return &conn{
		id:          id,
		remote:      remote,
		connectedAt: now,
		ws:          ws,
		out:         make(chan Frame, buffer),
		events:      make(chan Frame, buffer),
		done:        make(chan struct{}),
		requests:    map[string]*request{},
		lastPong:    now,
	}
}

func (c *conn) ID() string { return c.id }

// Deliver never blocks. A full event queue reports false and the hub evicts c.
func (c *conn) Deliver(evt stream.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fromEvent(evt):
		return true
	default:
		return false
	}
}

func (c *conn) Close(reason string) {
	c.closeWith(websocket.StatusPolicyViolation, reason)
}

// closeWith runs the close handshake in the background; in-flight requests are
// cancelled first.
func (c *conn) closeWith(code websocket.StatusCode, reason string) {
	c.shutdown(reason, func() { _ = c.ws.Close(code, reason) })
}

// terminate drops the transport without a close handshake, for peers that
// stopped answering.
func (c *conn) terminate(reason string) {
	c.shutdown(reason, func() { _ = c.ws.CloseNow() })
}

func (c *conn) shutdown(reason string, closeFn func()) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		for _, r := range c.requests {
			r.cancel()
		}
		c.mu.Unlock()
		close(c.done)
		go closeFn()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send queues f, waiting for room. It reports false once the connection is gone.
func (c *conn) send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) writeLoop(ctx context.Context, timeout time.Duration, onWrite func(Frame)) {
	for {
		var f Frame
		select {
		case <-c.done:
			return
		case f = <-c.events:
		case f = <-c.out:
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		err := wsjson.Write(wctx, c.ws, f)
		cancel()
		if err != nil {
			c.closeWith(websocket.StatusInternalError, "write_failed")
			return
		}
		if onWrite != nil {
			onWrite(f)
		}
	}
}

// begin claims requestID until finish. An id stays claimed while its stream
// drains after a cancel.
func (c *conn) begin(requestID string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.requests[requestID]; busy {
		return false
	}
	c.requests[requestID] = &request{cancel: cancel}
	return true
}

func (c *conn) finish(requestID string) {
	c.mu.Lock()
	if r, ok := c.requests[requestID]; ok {
		r.cancel()
		delete(c.requests, requestID)
	}
	c.mu.Unlock()
}

func (c *conn) cancel(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[requestID]
	if !ok || r.cancelled {
		return false
	}
	r.cancelled = true
	r.cancel()
	return true
}

func (c *conn) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *conn) pong() {
	c.mu.Lock()
	c.lastPong = time.Now().UTC()
	c.mu.Unlock()
}

func (c *conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
