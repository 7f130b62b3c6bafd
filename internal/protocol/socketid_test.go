package protocol

import (
	"strings"
	"testing"
)

func TestNewSocketIDShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := NewSocketID()
		if err != nil {
			t.Fatalf("NewSocketID: %v", err)
		}
		if !strings.Contains(id, ".") {
			t.Fatalf("expected a dotted socket id, got %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("generated duplicate socket id %q", id)
		}
		seen[id] = struct{}{}
	}
}
