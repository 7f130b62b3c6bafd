package dispatch_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/conn"
	"github.com/automattic/pusherbroker/internal/controllers"
	"github.com/automattic/pusherbroker/internal/dispatch"
	"github.com/automattic/pusherbroker/internal/handler"
	"github.com/automattic/pusherbroker/internal/protocol"
)

func newTestConn() *conn.Connection {
	a := &app.App{ID: "app1", Key: "key1", Secret: "secret1"}
	return conn.New("1.1", a, "127.0.0.1", 8, nil)
}

func nextFrame(t *testing.T, c *conn.Connection) protocol.Frame {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return protocol.Frame{}
	}
}

func newEngine() (*dispatch.Engine, *handler.Resolver) {
	r := handler.NewResolver(false)
	r.Register("whoami", func() handler.Controller { return controllers.Whoami{} })
	r.Register("ping", func() handler.Controller { return controllers.Ping{} })
	return dispatch.New(r, nil), r
}

func TestDispatchSuccessPath(t *testing.T) {
	e, _ := newEngine()
	c := newTestConn()

	e.Dispatch(c, "whoami.me", nil, "")

	frame := nextFrame(t, c)
	if frame.Event != "whoami.me:response" {
		t.Fatalf("expected a success envelope, got %+v", frame)
	}
}

func TestDispatchUnknownNamespaceProducesError(t *testing.T) {
	e, _ := newEngine()
	c := newTestConn()

	e.Dispatch(c, "nope.go", nil, "")

	frame := nextFrame(t, c)
	if frame.Event != "nope.go:error" {
		t.Fatalf("expected an error envelope for an unresolvable namespace, got %+v", frame)
	}
}

func TestDispatchUnknownMethodProducesError(t *testing.T) {
	e, _ := newEngine()
	c := newTestConn()

	e.Dispatch(c, "whoami.nonexistent", nil, "")

	frame := nextFrame(t, c)
	if frame.Event != "whoami.nonexistent:error" {
		t.Fatalf("expected an error envelope for an unimplemented method, got %+v", frame)
	}
}

func TestDispatchRequiresAuthByDefault(t *testing.T) {
	e, _ := newEngine()
	c := newTestConn() // no principal set

	e.Dispatch(c, "ping.echo", json.RawMessage(`"hi"`), "")

	frame := nextFrame(t, c)
	if frame.Event != "ping.echo:error" {
		t.Fatalf("expected ping.echo to require auth by default, got %+v", frame)
	}
}

func TestDispatchSucceedsOnceAuthenticated(t *testing.T) {
	e, _ := newEngine()
	c := newTestConn()
	c.SetPrincipal("user-1")

	e.Dispatch(c, "ping.echo", json.RawMessage(`"hi"`), "")

	frame := nextFrame(t, c)
	if frame.Event != "ping.echo:response" {
		t.Fatalf("expected ping.echo to succeed once authenticated, got %+v", frame)
	}
}
