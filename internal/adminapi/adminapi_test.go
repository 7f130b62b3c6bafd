package adminapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/conn"
	"github.com/automattic/pusherbroker/internal/protocol"
)

func newTestAdminServer(t *testing.T) (*Server, *app.App, *channel.Registry) {
	t.Helper()
	a := &app.App{ID: "app1", Key: "key1", Secret: "secret1"}
	registry := app.NewStaticRegistry([]*app.App{a})
	channels := channel.New()
	return New(registry, channels), a, channels
}

func TestTriggerEventRejectsUnsignedRequest(t *testing.T) {
	s, _, _ := newTestAdminServer(t)
	req := httptest.NewRequest("POST", "/apps/app1/events", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("expected 401 for an unsigned request, got %d", rec.Code)
	}
}

func TestTriggerEventBroadcastsToSubscribers(t *testing.T) {
	s, a, channels := newTestAdminServer(t)
	c := conn.New("1.1", a, "127.0.0.1", 4, nil)
	if err := channels.Subscribe(c, protocol.SubscribeData{Channel: "room1"}); err != nil {
		t.Fatal(err)
	}
	<-c.Outbound() // drain subscription_succeeded

	body := []byte(`{"name":"news","channels":["room1"],"data":"{\"x\":1}"}`)
	req := signRequest(t, "POST", "/apps/app1/events", nil, body, a)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case raw := <-c.Outbound():
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.Event != "news" {
			t.Fatalf("expected a news event, got %+v", f)
		}
	default:
		t.Fatal("expected the subscriber to receive the triggered event")
	}
}

func TestFetchChannelReportsOccupancy(t *testing.T) {
	s, a, channels := newTestAdminServer(t)
	c := conn.New("1.1", a, "127.0.0.1", 4, nil)
	if err := channels.Subscribe(c, protocol.SubscribeData{Channel: "room1"}); err != nil {
		t.Fatal(err)
	}
	<-c.Outbound()

	req := signRequest(t, "GET", "/apps/app1/channels/room1", nil, nil, a)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if occupied, _ := out["occupied"].(bool); !occupied {
		t.Fatalf("expected occupied=true, got %+v", out)
	}
}

func TestFetchUsersRejectsNonPresenceChannel(t *testing.T) {
	s, a, _ := newTestAdminServer(t)
	req := signRequest(t, "GET", "/apps/app1/channels/room1/users", nil, nil, a)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for a non-presence channel, got %d", rec.Code)
	}
}
