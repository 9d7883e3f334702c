package broker

import (
	"net"
	"sync"
	"time"
)

// sendBufferSize is the per-connection writer mailbox depth.
const sendBufferSize = 256

// Conn is the registry-visible state of one accepted connection. The session
// owns the transport; the registry only holds a back reference for routing.
type Conn struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	// Auth state, written once at successful LOGIN. Guarded by the registry
	// mutex.
	Authenticated bool
	DeviceID      string
	Admin         bool

	transport net.Conn

	// Writer mailbox. Every outbound frame is enqueued here and drained by
	// the session's single writer goroutine, so header and payload bytes of
	// different frames never interleave on the wire.
	sendMu     sync.Mutex
	sendClosed bool
	send       chan []byte
}

func newConn(id string, transport net.Conn) *Conn {
	return &Conn{
		ID:          id,
		RemoteAddr:  transport.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		transport:   transport,
		send:        make(chan []byte, sendBufferSize),
	}
}

// enqueue places an encoded frame on the writer mailbox. It reports false
// when the mailbox is closed or full; callers decide whether that tears the
// connection down.
func (c *Conn) enqueue(buf []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- buf:
		return true
	default:
		return false
	}
}

// closeSend shuts the mailbox so the writer goroutine drains and exits.
// Safe to call more than once.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// closeTransport closes the underlying socket, forcing the session's read
// loop to observe an error and run cleanup.
func (c *Conn) closeTransport() {
	c.transport.Close()
}
