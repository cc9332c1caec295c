package wire

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/hivemesh/fabric/id"
)

// Connection represents a single accepted wire connection. It is
// created by the server after a successful hello handshake and carries
// the negotiated codec, the caller's identity, and (for node-to-node
// connections) the remote node's ID and dial-back address.
type Connection struct {
	// ConnID uniquely identifies this connection on this server.
	ConnID string

	// Identity is the authenticated caller.
	Identity *Identity

	// NodeID is the remote node's ID, id.Nil for plain clients.
	NodeID id.NodeID

	// RemoteAddr is the remote node's own listen address (from the
	// hello frame), usable for dial-back. Empty for plain clients.
	RemoteAddr string

	// ConnectedAt records when the handshake completed.
	ConnectedAt time.Time

	codec  Codec
	raw    net.Conn
	binary bool

	writeMu sync.Mutex
	closed  atomic.Bool

	subMu sync.Mutex
	subs  map[string]struct{}
}

// NewConnection wraps an upgraded WebSocket connection.
func NewConnection(connID string, raw net.Conn, codec Codec) *Connection {
	return &Connection{
		ConnID:      connID,
		ConnectedAt: time.Now().UTC(),
		codec:       codec,
		raw:         raw,
		binary:      codec.Name() == CodecNameMsgpack,
		subs:        make(map[string]struct{}),
	}
}

// Codec returns the negotiated codec.
func (c *Connection) Codec() Codec { return c.codec }

// SetCodec switches the codec after format negotiation in the hello
// exchange. Must be called before concurrent sends begin.
func (c *Connection) SetCodec(codec Codec) {
	c.codec = codec
	c.binary = codec.Name() == CodecNameMsgpack
}

// Send encodes and writes a frame. Safe for concurrent use.
func (c *Connection) Send(frame *Frame) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	data, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.binary {
		return wsutil.WriteServerBinary(c.raw, data)
	}
	return wsutil.WriteServerText(c.raw, data)
}

// Close closes the underlying connection. Idempotent.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed.Load() }

// AddSubscription records a channel subscription on this connection.
func (c *Connection) AddSubscription(channel string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[channel] = struct{}{}
}

// RemoveSubscription drops a channel subscription.
func (c *Connection) RemoveSubscription(channel string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subs, channel)
}

// Subscriptions returns the channels this connection subscribes to.
func (c *Connection) Subscriptions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	return channels
}

// ConnectionManager tracks live connections. It indexes by connection
// ID and, for node connections, by the remote node ID so the node
// layer can find the connection serving a given peer.
type ConnectionManager struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	byNode  map[id.NodeID]*Connection
	counter atomic.Uint64
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns:  make(map[string]*Connection),
		byNode: make(map[id.NodeID]*Connection),
	}
}

// NextConnID returns a new connection ID unique to this manager.
func (m *ConnectionManager) NextConnID() string {
	return "conn-" + strconv.FormatUint(m.counter.Add(1), 10)
}

// Add registers a connection.
func (m *ConnectionManager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ConnID] = conn
	if !conn.NodeID.IsNil() {
		m.byNode[conn.NodeID] = conn
	}
}

// Remove unregisters a connection.
func (m *ConnectionManager) Remove(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	delete(m.conns, connID)
	if !conn.NodeID.IsNil() && m.byNode[conn.NodeID] == conn {
		delete(m.byNode, conn.NodeID)
	}
}

// Get returns a connection by ID.
func (m *ConnectionManager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

// GetByNode returns the connection serving a remote node.
func (m *ConnectionManager) GetByNode(nodeID id.NodeID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byNode[nodeID]
	return conn, ok
}

// Count returns the number of live connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// All returns a snapshot of all live connections.
func (m *ConnectionManager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// CloseAll closes every connection and empties the manager.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
	m.conns = make(map[string]*Connection)
	m.byNode = make(map[id.NodeID]*Connection)
}
