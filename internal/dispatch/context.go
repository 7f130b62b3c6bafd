package dispatch

import (
	"encoding/json"
	"sync/atomic"

	"github.com/automattic/pusherbroker/internal/conn"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// Context is the single argument every handler method receives besides
// the raw event payload. It is built fresh per dispatch from an
// already-copied conn.Snapshot, so a handler can never read or mutate
// another dispatch's view of the same connection.
type Context struct {
	engine  *Engine
	cn      *conn.Connection
	snap    conn.Snapshot
	event   string
	channel string

	terminal atomic.Bool
}

func newContext(e *Engine, cn *conn.Connection, snap conn.Snapshot, event, channelName string) *Context {
	return &Context{engine: e, cn: cn, snap: snap, event: event, channel: channelName}
}

// SocketID returns the dispatching connection's socket id.
func (c *Context) SocketID() string { return c.snap.SocketID }

// AppID returns the dispatching connection's app id.
func (c *Context) AppID() string { return c.snap.AppID }

// Principal returns the authenticated principal and whether one is set.
func (c *Context) Principal() (string, bool) { return c.snap.Principal, c.snap.Principal != "" }

// RemoteAddr returns the dispatching connection's remote address.
func (c *Context) RemoteAddr() string { return c.snap.RemoteAddr }

// Channel returns the channel the triggering event arrived on, or "" if
// none.
func (c *Context) Channel() string { return c.channel }

// Event returns the full event name being dispatched.
func (c *Context) Event() string { return c.event }

// markTerminal reports whether this call is the first to claim the
// dispatch's single terminal slot. Only the winner should actually
// write a terminal envelope or fire the timeout.
func (c *Context) markTerminal() bool {
	return c.terminal.CompareAndSwap(false, true)
}

// Progress sends a non-terminal "<event>:progress" envelope back to
// the dispatching connection. It never claims the terminal slot, so a
// handler may call it any number of times before its final result.
func (c *Context) Progress(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.cn.Send(protocol.Frame{Event: c.event + ":progress", Channel: c.channel, Data: data})
}

// Success sends the terminal "<event>:response" envelope directly. A
// handler that calls this itself must return dispatch.AlreadyHandled,
// or the engine's automatic success(value) envelope is simply dropped
// (the terminal slot is already claimed).
func (c *Context) Success(payload interface{}) error {
	if !c.markTerminal() {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.cn.Send(protocol.Frame{Event: c.event + ":response", Channel: c.channel, Data: data})
}

// Error sends the terminal "<event>:error" envelope directly, with
// meta.reported=true so the client-side error surfaces the same way an
// engine-generated one does.
func (c *Context) Error(message string) error {
	if !c.markTerminal() {
		return nil
	}
	return c.cn.Send(protocol.NewEventErrorFrame(c.event, message, true))
}

// Broadcast publishes payload as a channel-scoped event to every
// current member of channelName except the dispatching connection.
func (c *Context) Broadcast(channelName, event string, payload interface{}) error {
	if c.engine.channels == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := protocol.Frame{Event: event, Channel: channelName, Data: data}
	except := map[string]struct{}{c.snap.SocketID: {}}
	c.engine.channels.Broadcast(c.snap.AppID, channelName, frame, except)
	return nil
}

// Whisper delivers payload only to the connections in socketIDs,
// regardless of channel membership.
func (c *Context) Whisper(socketIDs []string, event string, payload interface{}) error {
	if c.engine.channels == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := protocol.Frame{Event: event, Channel: c.channel, Data: data}
	for _, id := range socketIDs {
		if target, ok := c.engine.channels.ConnectionBySocketID(c.snap.AppID, id); ok {
			target.Send(frame)
		}
	}
	return nil
}
