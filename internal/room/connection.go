package room

import (
	"sync"
	"time"
)

// Transport is the subset of *websocket.Conn the Room Registry needs.
// Modeling it as an interface (gorilla's *websocket.Conn satisfies it
// structurally) lets tests exercise broadcast and reaping logic with a
// fake transport instead of a real socket.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WriteTimeout bounds how long a single send may block before its peer
// is treated as dead, per spec.md §5: a send that cannot complete
// within this deadline is a failed send, not a blocked one.
const WriteTimeout = 10 * time.Second

// Connection is one admitted client socket, per spec.md §3.
type Connection struct {
	ClientID    string
	RoomID      string
	PeerIP      string
	ConnectedAt time.Time
	Transport   Transport

	mu           sync.Mutex
	lastActivity time.Time
	alive        bool
	closed       bool
}

// NewConnection builds a Connection ready to be added to a room. alive
// starts true: the connection has just completed its handshake.
func NewConnection(clientID, roomID, peerIP string, transport Transport, now time.Time) *Connection {
	return &Connection{
		ClientID:     clientID,
		RoomID:       roomID,
		PeerIP:       peerIP,
		ConnectedAt:  now,
		Transport:    transport,
		lastActivity: now,
		alive:        true,
	}
}

// TouchActivity records inbound or outbound traffic on this connection.
func (c *Connection) TouchActivity(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the last time this connection sent or received
// traffic.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetAlive sets the heartbeat liveness flag. Reset to false at each
// heartbeat tick and back to true on an inbound pong or message.
func (c *Connection) SetAlive(alive bool) {
	c.mu.Lock()
	c.alive = alive
	c.mu.Unlock()
}

// Alive reports the current heartbeat liveness flag.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// MarkClosed records that the transport is no longer open. Idempotent.
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// isOpen reports whether the transport is still considered open.
func (c *Connection) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// IsActive implements the active-connection predicate from spec.md §3:
// open transport, alive flag set, and both client-id and room-id
// populated.
func (c *Connection) IsActive() bool {
	if c.ClientID == "" || c.RoomID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.alive
}

// send attempts to write payload to the transport under WriteTimeout.
// Holding Connection.mu across the write serializes it against every
// other send/Close on this connection: gorilla/websocket permits at
// most one concurrent writer per *websocket.Conn, and a broadcast, a
// heartbeat ping, and a disconnect close can all target the same
// connection from different goroutines. A write failure, including a
// deadline miss, marks the connection closed so the caller's dead-peer
// bookkeeping stays consistent with the transport's real state.
func (c *Connection) send(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if err := c.Transport.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		c.closed = true
		return err
	}
	if err := c.Transport.WriteMessage(messageType, payload); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// closeMessageType mirrors gorilla/websocket.CloseMessage's frame
// opcode; kept here so this package does not need to import gorilla
// directly for the Transport abstraction.
const closeMessageType = 8

// formatClose builds a WebSocket close-frame payload: a 2-byte status
// code followed by the UTF-8 reason, matching RFC 6455 §5.5.1 (the same
// layout gorilla/websocket.FormatCloseMessage produces).
func formatClose(code int, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	copy(buf[2:], reason)
	return buf
}

// Close sends a close frame with the given code and reason, then closes
// the underlying transport, best-effort. Idempotent. The close frame
// write is serialized against send under the same lock so it can never
// interleave with an in-flight broadcast or ping write.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	transport := c.Transport
	if !c.closed && transport != nil {
		transport.SetWriteDeadline(time.Now().Add(WriteTimeout))
		transport.WriteMessage(closeMessageType, formatClose(code, reason))
	}
	c.closed = true
	c.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
}
