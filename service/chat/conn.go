package chat

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	errs "IMDeliver/tools/errs"
)

// Conn is the registry's view of a client socket. The production
// implementation wraps gorilla/websocket; tests substitute fakes to
// observe close and write behavior. Alive is best-effort: it flips false
// once a write fails or Close runs, letting lookups shed dead entries
// without waiting for the sweep.
type Conn interface {
	WriteBinary(data []byte, deadline time.Duration) error
	Close() error
	Alive() bool
	RemoteAddr() net.Addr
}

// wsConn serializes writes; gorilla allows one concurrent writer only.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool
}

func NewWSConn(c *websocket.Conn) Conn {
	return &wsConn{conn: c}
}

func (w *wsConn) WriteBinary(data []byte, deadline time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		w.closed.Store(true)
		return errs.ErrTransientDelivery.WithDetail(err.Error())
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		w.closed.Store(true)
		return errs.ErrTransientDelivery.WithDetail(err.Error())
	}
	return nil
}

func (w *wsConn) Close() error {
	w.closed.Store(true)
	return w.conn.Close()
}

func (w *wsConn) Alive() bool {
	return !w.closed.Load()
}

func (w *wsConn) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}
