package restart

import (
	"testing"

	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/conn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPeekWithNoMarkerIsNil(t *testing.T) {
	store := openTestStore(t)
	m, err := store.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if m != nil {
		t.Fatalf("expected no marker, got %+v", m)
	}
}

func TestRequestThenPeekThenClear(t *testing.T) {
	store := openTestStore(t)
	if err := store.Request(true); err != nil {
		t.Fatalf("Request: %v", err)
	}

	m, err := store.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if m == nil || !m.Soft {
		t.Fatalf("expected a soft marker, got %+v", m)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	m, err = store.Peek()
	if err != nil {
		t.Fatalf("Peek after Clear: %v", err)
	}
	if m != nil {
		t.Fatalf("expected the marker to be gone after Clear, got %+v", m)
	}
}

func TestDrainSoftClosesLocalConnectionsAndDeclinesAdmission(t *testing.T) {
	channels := channel.New()
	a := &app.App{ID: "app1", Key: "key1", Secret: "secret1"}
	c := conn.New("1.1", a, "127.0.0.1", 4, nil)
	channels.RegisterConnection(c)

	ticker := New(openTestStore(t), channels, 0)
	ticker.Drain(true)

	if channels.AcceptsNewConnections() {
		t.Fatal("expected Drain to decline new connections")
	}
	if !c.IsClosed() {
		t.Fatal("expected a soft drain to close local connections")
	}
}

func TestDrainHardDeclinesAdmissionWithoutClosingConnections(t *testing.T) {
	channels := channel.New()
	a := &app.App{ID: "app1", Key: "key1", Secret: "secret1"}
	c := conn.New("1.1", a, "127.0.0.1", 4, nil)
	channels.RegisterConnection(c)

	ticker := New(openTestStore(t), channels, 0)
	ticker.Drain(false)

	if channels.AcceptsNewConnections() {
		t.Fatal("expected Drain to decline new connections")
	}
	if c.IsClosed() {
		t.Fatal("expected a hard drain to leave existing connections alone")
	}
}
