package conn

import (
	"testing"

	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/protocol"
)

func newTestConn() *Connection {
	return New("1.2", &app.App{ID: "app1", Key: "key1", Secret: "secret1"}, "127.0.0.1", 4, nil)
}

func TestSendAndDrain(t *testing.T) {
	c := newTestConn()
	if err := c.Send(protocol.Frame{Event: "pusher:ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case raw := <-c.Outbound():
		if len(raw) == 0 {
			t.Fatal("expected a non-empty serialized frame")
		}
	default:
		t.Fatal("expected the frame to be queued for the writer pump")
	}
}

func TestSendAfterCloseIsSilentlyDropped(t *testing.T) {
	c := newTestConn()
	c.Close()
	if err := c.Send(protocol.Frame{Event: "pusher:ping"}); err != nil {
		t.Fatalf("Send after Close should not error, got %v", err)
	}
	if !c.IsClosed() {
		t.Fatal("expected IsClosed to report true")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestConn()
	c.Close()
	c.Close() // must not panic on double-close
}

func TestSubscriptionBookkeeping(t *testing.T) {
	c := newTestConn()
	if !c.AddSubscription("room1") {
		t.Fatal("expected first AddSubscription to report true")
	}
	if c.AddSubscription("room1") {
		t.Fatal("expected a duplicate AddSubscription to report false")
	}
	if !c.IsSubscribed("room1") {
		t.Fatal("expected room1 to be subscribed")
	}
	if !c.RemoveSubscription("room1") {
		t.Fatal("expected RemoveSubscription to report true for a subscribed channel")
	}
	if c.RemoveSubscription("room1") {
		t.Fatal("expected a second RemoveSubscription to report false")
	}
}

func TestPrincipal(t *testing.T) {
	c := newTestConn()
	if _, ok := c.Principal(); ok {
		t.Fatal("expected a fresh connection to have no principal")
	}
	c.SetPrincipal("user-42")
	principal, ok := c.Principal()
	if !ok || principal != "user-42" {
		t.Fatalf("Principal() = %q, %v", principal, ok)
	}
}

func TestSnapshotIsIndependentOfLaterMutation(t *testing.T) {
	c := newTestConn()
	c.SetPrincipal("user-1")
	snap := c.Snapshot()
	c.SetPrincipal("user-2")

	if snap.Principal != "user-1" {
		t.Fatalf("expected the snapshot to retain its principal at capture time, got %q", snap.Principal)
	}
	if snap.SocketID != "1.2" || snap.AppID != "app1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
