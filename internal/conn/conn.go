// Package conn implements the Connection object (C3): a single-writer,
// ordered sink of outbound JSON text frames, carrying socket id, app,
// principal, subscriptions and last-pong timestamp.
package conn

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// Writer is the minimal outbound transport a Connection drives. The
// gateway's *websocket.Conn satisfies it; tests can supply a fake.
type Writer interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection represents one live client. All sends are
// serialised through a single writer goroutine per connection (run by
// the gateway), so Send here only ever enqueues — it never blocks the
// dispatch of other connections.
type Connection struct {
	SocketID     string
	App          *app.App
	RemoteAddr   string
	ConnectedAt  time.Time

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	principal     string // "" means anonymous
	lastPongAt    time.Time

	send    chan []byte
	closed  bool
	closeMu sync.Mutex

	limiter *rate.Limiter
}

// New creates a Connection bound to a (possibly nil, for pre-admission
// staging) app, with an outbound queue of the given depth.
func New(socketID string, a *app.App, remoteAddr string, sendBuf int, limiter *rate.Limiter) *Connection {
	return &Connection{
		SocketID:      socketID,
		App:           a,
		RemoteAddr:    remoteAddr,
		ConnectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
		lastPongAt:    time.Now(),
		send:          make(chan []byte, sendBuf),
		limiter:       limiter,
	}
}

// Outbound returns the channel the connection's writer pump drains.
// Only the gateway's writer goroutine reads from this.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Send enqueues a frame for delivery. If the connection's sink has
// already been closed, the send is silently dropped.
func (c *Connection) Send(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// SendRaw enqueues pre-serialised bytes, used for the pre-serialised
// pong constant on the ping fast path.
func (c *Connection) SendRaw(data []byte) error {
	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- data:
		return nil
	default:
		// Outbound queue full: treat like a closed sink rather than
		// block the caller. The writer pump will observe the backlog
		// and the gateway's read loop stays responsive.
		return nil
	}
}

// Close marks the connection closed and closes its outbound queue so
// the writer pump exits. Idempotent.
func (c *Connection) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed reports whether Close has already run.
func (c *Connection) IsClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Subscriptions returns a point-in-time snapshot of subscribed channel
// names. Safe to call concurrently with AddSubscription/RemoveSubscription.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		out = append(out, name)
	}
	return out
}

// IsSubscribed reports whether name is among this connection's
// subscriptions.
func (c *Connection) IsSubscribed(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[name]
	return ok
}

// AddSubscription records channel membership. Returns false if the
// connection was already subscribed.
func (c *Connection) AddSubscription(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[name]; ok {
		return false
	}
	c.subscriptions[name] = struct{}{}
	return true
}

// RemoveSubscription drops channel membership. Returns false if the
// connection was not subscribed.
func (c *Connection) RemoveSubscription(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[name]; !ok {
		return false
	}
	delete(c.subscriptions, name)
	return true
}

// Principal returns the authenticated principal, and whether one is set.
func (c *Connection) Principal() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal, c.principal != ""
}

// SetPrincipal binds an authenticated identity to this connection.
func (c *Connection) SetPrincipal(principal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = principal
}

// TouchPong records a pong/ping liveness signal.
func (c *Connection) TouchPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPongAt = time.Now()
}

// LastPongAt returns the last recorded liveness timestamp.
func (c *Connection) LastPongAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPongAt
}

// Allow consults the per-connection token bucket. A nil limiter (rate
// limiting disabled) always allows.
func (c *Connection) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Snapshot is the immutable view of connection state handed to a
// dispatch at invocation time:
// mutations the handler makes to its own scope never leak back here.
type Snapshot struct {
	SocketID   string
	AppID      string
	Principal  string
	RemoteAddr string
}

// Snapshot captures the connection's identity fields for a single
// dispatch. Two concurrent dispatches never share the same Snapshot
// value and never observe each other's writes to it.
func (c *Connection) Snapshot() Snapshot {
	principal, _ := c.Principal()
	appID := ""
	if c.App != nil {
		appID = c.App.ID
	}
	return Snapshot{
		SocketID:   c.SocketID,
		AppID:      appID,
		Principal:  principal,
		RemoteAddr: c.RemoteAddr,
	}
}
