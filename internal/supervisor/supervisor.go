// Package supervisor assembles the broker's long-running services
// (the WebSocket gateway's HTTP server, the broadcast control socket,
// the restart ticker, and the admin API) into a
// suture/v4 supervision tree, so a panic in any one of them restarts
// just that service instead of taking down the process.
package supervisor

import (
	"context"
	"net/http"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/automattic/pusherbroker/internal/broadcastctl"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/restart"
)

// New builds the root supervisor. Services are added with Add* before
// calling Serve.
func New() *suture.Supervisor {
	return suture.New("pusherbroker", suture.Spec{
		EventHook: (&sutureslog.Handler{
			Logger: logging.NewSlogLoggerForComponent("supervisor"),
		}).MustHook(),
	})
}

// httpService adapts an *http.Server to suture.Service using
// facebookgo/httpdown for the stop/kill-timeout drain sequence: Serve
// blocks until the listener fails or ctx is cancelled, at which point
// it asks httpdown to stop accepting, drain StopTimeout, then kill any
// stragglers after KillTimeout.
type httpService struct {
	name   string
	server *http.Server
	hd     *httpdown.HTTP
}

func (h *httpService) String() string { return h.name }

func (h *httpService) Serve(ctx context.Context) error {
	stoppable, err := h.hd.ListenAndServe(h.server)
	if err != nil {
		return err
	}

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- stoppable.Wait() }()

	select {
	case err := <-waitErrCh:
		return err
	case <-ctx.Done():
		if err := stoppable.Stop(); err != nil {
			return err
		}
		return <-waitErrCh
	}
}

// AddHTTPServer registers an HTTP server (the gateway or the admin
// API) as a supervised service bound to addr.
func AddHTTPServer(sup *suture.Supervisor, name, addr string, handler http.Handler) {
	sup.Add(&httpService{
		name:   name,
		server: &http.Server{Addr: addr, Handler: handler},
		hd:     &httpdown.HTTP{StopTimeout: 10 * time.Second, KillTimeout: 1 * time.Second},
	})
}

// broadcastService adapts broadcastctl.Listener to suture.Service.
type broadcastService struct {
	ln *broadcastctl.Listener
}

func (b *broadcastService) String() string { return "broadcastctl" }

func (b *broadcastService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- b.ln.Serve() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return b.ln.Close()
	}
}

// AddBroadcastControl registers the Unix domain socket control
// listener as a supervised service. A bind failure is logged by the
// listener itself and returned here so suture retries it with backoff
// rather than disabling it permanently.
func AddBroadcastControl(sup *suture.Supervisor, ln *broadcastctl.Listener) {
	sup.Add(&broadcastService{ln: ln})
}

// restartService adapts restart.Ticker to suture.Service.
type restartService struct {
	ticker *restart.Ticker
}

func (r *restartService) String() string { return "restart-ticker" }

func (r *restartService) Serve(ctx context.Context) error {
	return r.ticker.Run(ctx)
}

// AddRestartTicker registers the restart-marker poller as a supervised
// service.
func AddRestartTicker(sup *suture.Supervisor, ticker *restart.Ticker) {
	sup.Add(&restartService{ticker: ticker})
}
