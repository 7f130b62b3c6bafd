package replication

import (
	"encoding/json"
	"testing"

	"github.com/automattic/pusherbroker/internal/protocol"
)

func TestSubjectFormat(t *testing.T) {
	got := subject("app1", "room1")
	want := "broker.broadcast.app1.room1"
	if got != want {
		t.Fatalf("subject() = %q, want %q", got, want)
	}
}

func TestNatsURLsDefaultsWhenEmpty(t *testing.T) {
	if got := natsURLs(nil); got == "" {
		t.Fatal("expected a non-empty default URL")
	}
}

func TestNatsURLsJoinsMultiple(t *testing.T) {
	got := natsURLs([]string{"nats://a:4222", "nats://b:4222"})
	want := "nats://a:4222,nats://b:4222"
	if got != want {
		t.Fatalf("natsURLs() = %q, want %q", got, want)
	}
}

func TestWireMessageRoundTrip(t *testing.T) {
	msg := wireMessage{
		Origin:  "node-1",
		Channel: "room1",
		Frame:   protocol.Frame{Event: "news", Channel: "room1"},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded wireMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Origin != msg.Origin || decoded.Channel != msg.Channel || decoded.Frame.Event != msg.Frame.Event {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
