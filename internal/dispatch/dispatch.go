// Package dispatch implements the Dispatch Engine (C5): turning one
// non-reserved client event into a resolved Controller method
// invocation, with lifecycle hooks, an authentication gate, and a
// bounded set of outbound envelopes delivered back to the connection
// and/or broadcast to a channel.
//
// A dispatch never shares mutable state with any other dispatch: every
// piece of connection identity a handler can see arrives as an
// explicit, already-copied value on the Context, so two concurrent
// dispatches for the same connection cannot observe each other's
// writes.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/conn"
	"github.com/automattic/pusherbroker/internal/handler"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// terminalTimeout bounds how long a dispatch may run without producing
// a terminal envelope (a success or an error). Exceeding it produces a
// synthetic "<event>:error" with a timeout message; a handler that
// eventually does finish after that point is tolerated, not punished:
// its own terminal envelope (and the automatic success) is dropped,
// since the timeout already claimed the terminal slot, while any
// Progress, Broadcast or Whisper it sends is still delivered.
const terminalTimeout = 60 * time.Second

// Stop, returned from a Boot hook, halts the dispatch silently: no
// reply is sent and the handler method is never invoked.
var Stop = errors.New("dispatch: stop")

// AlreadyHandled, returned from a handler method, suppresses the
// automatic success(value) envelope. Handlers that manage their own
// terminal envelope via Context.Success/Context.Error must return this
// so the engine does not also emit an automatic one.
var AlreadyHandled = errors.New("dispatch: already handled")

// ErrUnauthorized is the error delivered when a handler requires an
// authenticated principal and the connection has none.
var ErrUnauthorized = errors.New("unauthorized")

var errNotFound = errors.New("event could not be associated with a handler")
var errNotImplemented = errors.New("event method is not implemented on its handler")

// Engine resolves and runs dispatches for a single broker instance.
type Engine struct {
	resolver *handler.Resolver
	channels *channel.Registry
}

// New builds an Engine bound to resolver and channels. channels may be
// nil for handlers that never broadcast (tests, "ping"-only wiring).
func New(resolver *handler.Resolver, channels *channel.Registry) *Engine {
	return &Engine{resolver: resolver, channels: channels}
}

// Dispatch resolves event's namespace/method, runs the matching
// Controller method, and writes every envelope it produces back to cn
// (and, for Broadcast/Whisper envelopes, to the channel registry).
// Resolution, auth and Boot/Booted failures are delivered before
// Dispatch returns; after that the handler and its terminalTimeout
// watch run in their own goroutines and Dispatch returns at once, so a
// slow handler cannot stall the connection's read loop.
func (e *Engine) Dispatch(cn *conn.Connection, event string, data json.RawMessage, channelName string) {
	snap := cn.Snapshot()
	namespace, method, ok := splitEvent(event)
	if !ok {
		e.deliverError(cn, event, errNotFound)
		return
	}

	factory, found := e.resolver.Resolve(namespace)
	if !found {
		e.deliverError(cn, event, errNotFound)
		return
	}
	ctrl := factory()

	methodVal, ok := resolveMethod(ctrl, method)
	if !ok {
		e.deliverError(cn, event, errNotImplemented)
		return
	}

	ctx := newContext(e, cn, snap, event, channelName)

	if booter, ok := ctrl.(handler.Booter); ok {
		if err := booter.Boot(snap.SocketID, event, channelName); err != nil {
			if errors.Is(err, Stop) {
				return
			}
			e.deliverError(cn, event, err)
			return
		}
	}
	if requiresAuth(ctrl) && snap.Principal == "" {
		e.deliverError(cn, event, ErrUnauthorized)
		return
	}
	if booted, ok := ctrl.(handler.Booted); ok {
		if err := booted.Booted(snap.SocketID, event, channelName); err != nil {
			e.deliverError(cn, event, err)
			return
		}
	}

	done := make(chan struct{})
	go e.runIsolated(ctx, methodVal, data, done)

	go func() {
		timer := time.NewTimer(terminalTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			if ctx.markTerminal() {
				cn.Send(protocol.NewEventErrorFrame(event, fmt.Sprintf("%s timeout", event), true))
			}
		}

		if unbooter, ok := ctrl.(handler.Unbooter); ok {
			unbooter.Unboot(snap.SocketID, event, channelName)
		}
	}()
}

// runIsolated calls the handler method in its own goroutine. It always
// closes done, even if the method panics, so Dispatch's select never
// hangs on a misbehaving handler.
func (e *Engine) runIsolated(ctx *Context, method reflect.Value, data json.RawMessage, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("event", ctx.event).Msg("handler panicked")
			if ctx.markTerminal() {
				ctx.cn.Send(protocol.NewEventErrorFrame(ctx.event, "internal handler error", true))
			}
		}
	}()

	value, err := invoke(method, ctx, data)
	if err != nil {
		if errors.Is(err, AlreadyHandled) {
			return
		}
		if ctx.markTerminal() {
			ctx.cn.Send(protocol.NewEventErrorFrame(ctx.event, err.Error(), true))
		}
		return
	}
	if ctx.markTerminal() {
		sendSuccess(ctx.cn, ctx.event, value)
	}
}

// invoke calls method(ctx, data) via reflection, tolerating a
// (value, error) return (the shape every sample controller uses), a
// single error or value return, or no return at all.
func invoke(method reflect.Value, ctx *Context, data json.RawMessage) (interface{}, error) {
	results := method.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(data)})
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if err, ok := results[0].Interface().(error); ok {
			return nil, err
		}
		return results[0].Interface(), nil
	default:
		var err error
		if e, ok := results[1].Interface().(error); ok {
			err = e
		}
		return results[0].Interface(), err
	}
}

func sendSuccess(cn *conn.Connection, event string, value interface{}) {
	payload := value
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		cn.Send(protocol.NewEventErrorFrame(event, "failed to encode response", true))
		return
	}
	cn.Send(protocol.Frame{Event: event + ":response", Data: data})
}

func (e *Engine) deliverError(cn *conn.Connection, event string, err error) {
	cn.Send(protocol.NewEventErrorFrame(event, err.Error(), true))
}

// splitEvent divides "foo-bar.do-thing" into namespace "foo-bar" and
// method "do-thing". Events without a "." never resolve.
func splitEvent(event string) (namespace, method string, ok bool) {
	i := strings.Index(event, ".")
	if i < 0 || i == 0 || i == len(event)-1 {
		return "", "", false
	}
	return event[:i], event[i+1:], true
}

// resolveMethod maps a kebab-case method name ("do-thing") onto a
// PascalCase exported method ("DoThing") via reflection.
func resolveMethod(ctrl handler.Controller, method string) (reflect.Value, bool) {
	pascal := kebabToPascal(method)
	v := reflect.ValueOf(ctrl).MethodByName(pascal)
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	return v, true
}

func kebabToPascal(s string) string {
	parts := strings.Split(s, "-")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func requiresAuth(ctrl handler.Controller) bool {
	if r, ok := ctrl.(handler.AuthRequirer); ok {
		return r.RequiresAuth()
	}
	return true
}
