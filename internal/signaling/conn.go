package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

// wsConn adapts a websocket connection to the hub's transport interface.
//
// Outbound frames pass through a bounded channel drained by one writer
// goroutine, so Send is a non-blocking enqueue no matter what the socket is
// doing. Close hands the writer a reason; the writer flushes whatever was
// already queued, sends the close frame, and tears the socket down.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte

	reason    string
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, queueSize int) *wsConn {
	c := &wsConn{
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues one text frame. A full queue means the client is not
// draining its socket; the frame is rejected rather than held.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// Ping probes the peer. WriteControl is safe to call concurrently with the
// writer goroutine.
func (c *wsConn) Ping() error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close marks the connection closed and hands reason to the writer. Frames
// queued before the close still go out ahead of the close frame.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			c.sayGoodbye()
			return
		case frame := <-c.send:
			if !c.write(frame) {
				c.Close("write failed")
				return
			}
		}
	}
}

// sayGoodbye drains frames queued ahead of the close, then sends the close
// frame carrying the reason.
func (c *wsConn) sayGoodbye() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(closeCodeForReason(c.reason), c.reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (c *wsConn) write(frame []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame) == nil
}

// closeCodeForReason picks the close code the reason implies: policy
// violations get 1008, server-driven evictions 1001, capacity rejections
// 1013, everything else a normal closure.
func closeCodeForReason(reason string) int {
	switch reason {
	case "superseded", "rate limit exceeded":
		return websocket.ClosePolicyViolation
	case "stale", "dead", "shutting down":
		return websocket.CloseGoingAway
	case "server full":
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
