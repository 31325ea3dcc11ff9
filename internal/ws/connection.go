package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection. A connection
// starts unauthenticated; the dispatcher marks it authenticated once the
// auth handshake succeeds, and only then may it join rooms and send.
type Connection struct {
	ID        string    // connection ID (UUID), for logs and registry keys
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for poller lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last activity observed from the client

	authMu        sync.Mutex
	participantID string // empty until authenticated

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// SetAuthenticated records the participant identity after a successful auth
// handshake.
func (c *Connection) SetAuthenticated(participantID string) {
	c.authMu.Lock()
	c.participantID = participantID
	c.authMu.Unlock()
}

// Participant returns the authenticated participant ID and whether the
// connection has completed the auth handshake.
func (c *Connection) Participant() (string, bool) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.participantID, c.participantID != ""
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, serialized with application writes by the write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of active connections with
// O(1) lookups by connection ID and by file descriptor, plus the room
// membership index used to deliver a chat's events to its local members.
type ConnectionManager struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
	byFd  map[int]*Connection
	rooms map[string]map[string]*Connection // chatID -> connID -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:  make(map[string]*Connection),
		byFd:  make(map[int]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, drops it from every room, and removes it from both lookup
// maps. It returns the list of chats the connection was a member of, and
// whether the connection was present at all (false if it was already gone).
func (cm *ConnectionManager) Remove(id string) ([]string, bool) {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	var left []string
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		left = cm.leaveAllLocked(id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return left, ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Join adds a connection to a chat room. Joining a room the connection is
// already a member of is a no-op. Returns true if this join created the
// room's first local membership for the connection.
func (cm *ConnectionManager) Join(chatID string, conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	room, ok := cm.rooms[chatID]
	if !ok {
		room = make(map[string]*Connection)
		cm.rooms[chatID] = room
	}
	if _, member := room[conn.ID]; member {
		return false
	}
	room[conn.ID] = conn
	return true
}

// Leave removes a connection from a chat room. The room is deleted once its
// last local member leaves.
func (cm *ConnectionManager) Leave(chatID, connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if room, ok := cm.rooms[chatID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(cm.rooms, chatID)
		}
	}
}

// leaveAllLocked removes a connection from every room and returns the chat
// IDs it left. Caller holds cm.mu.
func (cm *ConnectionManager) leaveAllLocked(connID string) []string {
	var left []string
	for chatID, room := range cm.rooms {
		if _, member := room[connID]; member {
			delete(room, connID)
			left = append(left, chatID)
			if len(room) == 0 {
				delete(cm.rooms, chatID)
			}
		}
	}
	return left
}

// RoomMembers returns a snapshot of the connections currently joined to a
// chat on this gateway. Safe to iterate without holding the lock.
func (cm *ConnectionManager) RoomMembers(chatID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	room := cm.rooms[chatID]
	members := make([]*Connection, 0, len(room))
	for _, conn := range room {
		members = append(members, conn)
	}
	return members
}

// RoomCount returns the number of rooms with at least one local member.
func (cm *ConnectionManager) RoomCount() int {
	cm.mu.RLock()
	n := len(cm.rooms)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
