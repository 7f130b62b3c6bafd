package protocol

import "testing"

func TestNormalizeInputEvent(t *testing.T) {
	cases := map[string]string{
		"pusher.subscribe":            "pusher:subscribe",
		"pusher:subscribe":            "pusher:subscribe",
		"pusher_internal:foo":         "pusher_internal:foo",
		"client-message":              "client-message",
		"pusher.ping":                 "pusher:ping",
	}
	for in, want := range cases {
		if got := NormalizeInputEvent(in); got != want {
			t.Errorf("NormalizeInputEvent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsReserved(t *testing.T) {
	for _, event := range []string{"pusher:ping", "pusher.pong", "pusher_internal:subscription_succeeded"} {
		if !IsReserved(event) {
			t.Errorf("IsReserved(%q) = false, want true", event)
		}
	}
	if IsReserved("client-foo") {
		t.Error("IsReserved(client-foo) = true, want false")
	}
}

func TestClassifyChannel(t *testing.T) {
	cases := map[string]ChannelKind{
		"public-room":     KindPublic,
		"room":            KindPublic,
		"private-room":    KindPrivate,
		"presence-room":   KindPresence,
	}
	for name, want := range cases {
		if got := ClassifyChannel(name); got != want {
			t.Errorf("ClassifyChannel(%q) = %v, want %v", name, got, want)
		}
	}
	if !ClassifyChannel("private-x").RequiresAuth() {
		t.Error("private channel should require auth")
	}
	if ClassifyChannel("public-x").RequiresAuth() {
		t.Error("public channel should not require auth")
	}
}

func TestSignAndVerifyAuth(t *testing.T) {
	const appKey = "key123"
	const secret = "supersecret"
	message := PrivateAuthMessage("123.456", "private-chat")

	signed := SignAuth(appKey, secret, message)
	if !VerifyAuth(appKey, secret, message, signed) {
		t.Fatal("expected signed auth to verify")
	}
	if VerifyAuth(appKey, secret, message, signed+"tampered") {
		t.Fatal("tampered signature must not verify")
	}
	if VerifyAuth(appKey, "wrong-secret", message, signed) {
		t.Fatal("signature signed with a different secret must not verify")
	}
}

func TestEncodeDataString(t *testing.T) {
	raw, err := EncodeDataString(map[string]string{"socket_id": "1.2"})
	if err != nil {
		t.Fatalf("EncodeDataString: %v", err)
	}
	// The result must itself be a JSON string (double-encoded), not a
	// bare object.
	if len(raw) == 0 || raw[0] != '"' {
		t.Fatalf("expected a JSON string, got %s", raw)
	}
}

func TestNewErrorFrame(t *testing.T) {
	frame := NewErrorFrame("boom", 4001)
	if frame.Event != OutError {
		t.Errorf("expected event %q, got %q", OutError, frame.Event)
	}
}
