package supervisor

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/httpdown"

	"github.com/automattic/pusherbroker/internal/broadcastctl"
	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/restart"
)

func TestHTTPServiceServesAndStopsOnCancel(t *testing.T) {
	svc := &httpService{
		name:   "test-http",
		server: &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()},
		hd:     &httpdown.HTTP{StopTimeout: 2 * time.Second, KillTimeout: time.Second},
	}
	if svc.String() != "test-http" {
		t.Fatalf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Serve to stop after cancel")
	}
}

func TestBroadcastServiceStopsOnClose(t *testing.T) {
	ln := broadcastctl.New(filepath.Join(t.TempDir(), "control.sock"), channel.New())
	svc := &broadcastService{ln: ln}
	if svc.String() != "broadcastctl" {
		t.Fatalf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcastService to stop")
	}
}

func TestRestartServiceStopsOnCancel(t *testing.T) {
	store, err := restart.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ticker := restart.New(store, channel.New(), 0)
	svc := &restartService{ticker: ticker}
	if svc.String() != "restart-ticker" {
		t.Fatalf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restartService to stop")
	}
}
