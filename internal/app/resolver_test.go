package app

import (
	"context"
	"errors"
	"testing"
)

type stubRegistry struct {
	app *App
	ok  bool
	err error
}

func (s *stubRegistry) FindByID(context.Context, string) (*App, bool, error)     { return s.app, s.ok, s.err }
func (s *stubRegistry) FindByKey(context.Context, string) (*App, bool, error)    { return s.app, s.ok, s.err }
func (s *stubRegistry) FindBySecret(context.Context, string) (*App, bool, error) { return s.app, s.ok, s.err }
func (s *stubRegistry) All(context.Context) ([]*App, error)                      { return nil, nil }
func (s *stubRegistry) Create(context.Context, *App) error                       { return nil }

func TestGuardedResolverPassesThroughOnSuccess(t *testing.T) {
	want := &App{ID: "app1", Key: "key1"}
	g := NewGuardedResolver("test", &stubRegistry{app: want, ok: true})

	got, ok, err := g.FindByKey(context.Background(), "key1")
	if err != nil || !ok || got != want {
		t.Fatalf("FindByKey = %v, %v, %v", got, ok, err)
	}
}

func TestGuardedResolverMiss(t *testing.T) {
	g := NewGuardedResolver("test", &stubRegistry{ok: false})
	_, ok, err := g.FindByKey(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected a clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestGuardedResolverPropagatesBackendError(t *testing.T) {
	backendErr := errors.New("db down")
	g := NewGuardedResolver("test", &stubRegistry{err: backendErr})
	_, _, err := g.FindByKey(context.Background(), "key1")
	if err == nil {
		t.Fatal("expected an error to propagate")
	}
}
