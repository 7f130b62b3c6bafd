package app

import (
	"context"
	"testing"
)

func TestAllowsOrigin(t *testing.T) {
	open := &App{}
	if !open.AllowsOrigin("https://anything.example") {
		t.Error("empty AllowedOrigins should allow any origin")
	}

	restricted := &App{AllowedOrigins: []string{"https://app.example"}}
	if !restricted.AllowsOrigin("https://app.example") {
		t.Error("expected the listed origin to be allowed")
	}
	if restricted.AllowsOrigin("https://evil.example") {
		t.Error("expected an unlisted origin to be rejected")
	}
}

func TestStaticRegistryLookups(t *testing.T) {
	a := &App{ID: "app1", Key: "key1", Secret: "secret1"}
	reg := NewStaticRegistry([]*App{a})
	ctx := context.Background()

	if got, ok, err := reg.FindByID(ctx, "app1"); err != nil || !ok || got != a {
		t.Fatalf("FindByID failed: got=%v ok=%v err=%v", got, ok, err)
	}
	if got, ok, err := reg.FindByKey(ctx, "key1"); err != nil || !ok || got != a {
		t.Fatalf("FindByKey failed: got=%v ok=%v err=%v", got, ok, err)
	}
	if got, ok, err := reg.FindBySecret(ctx, "secret1"); err != nil || !ok || got != a {
		t.Fatalf("FindBySecret failed: got=%v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := reg.FindByKey(ctx, "nope"); ok {
		t.Fatal("expected an unknown key to miss")
	}
}

func TestStaticRegistryCreate(t *testing.T) {
	reg := NewStaticRegistry(nil)
	ctx := context.Background()
	a := &App{ID: "app2", Key: "key2"}
	if err := reg.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok, _ := reg.FindByID(ctx, "app2"); !ok {
		t.Fatal("expected created app to be findable")
	}
	all, err := reg.All(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("All() = %v, %v", all, err)
	}
}
