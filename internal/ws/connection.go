// Package ws serves the session listen stream over WebSocket, for clients
// that want bidirectional framing or cannot consume Server-Sent Events.
// The wire payloads are the same JSON events as the SSE stream.
package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is a single WebSocket client with a write mutex serializing
// outbound frames.
type Connection struct {
	ID        string   // subscriber id
	SessionID string   // chat session being listened to
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	writeMu sync.Mutex
}

// WriteMessage sends a text frame. The write mutex keeps concurrent
// goroutines from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a ping control frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpPing, nil)
}

// WriteClose sends a close frame with the given status code and reason.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	return ws.WriteFrame(c.Conn, frame)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Manager is a thread-safe registry of live WebSocket connections keyed by
// subscriber id.
type Manager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewManager creates an empty Manager ready for use.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	m.byID[conn.ID] = conn
	m.mu.Unlock()
}

// Remove deregisters and closes a connection. Returns true if it was still
// registered.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	conn, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (m *Manager) Get(id string) *Connection {
	m.mu.RLock()
	conn := m.byID[id]
	m.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.byID)
	m.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate
// without holding the lock.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()
	return conns
}
