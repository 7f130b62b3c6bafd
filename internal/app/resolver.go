package app

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// admissionTimeout bounds admission sub-checks that consult a backend:
// exceeding it is treated as failure. It applies to FindByKey during
// onOpen.
const admissionTimeout = 2 * time.Second

// ErrBackendUnavailable is returned when the circuit is open or the
// lookup exceeded admissionTimeout.
var ErrBackendUnavailable = errors.New("app registry backend unavailable")

// GuardedResolver wraps a Registry's FindByKey with a circuit breaker
// and a hard deadline, so a slow or flapping SQL-backed Registry cannot
// stall every connection's admission sequence. The default StaticRegistry
// never needs this (it cannot block), but any Registry placed behind a
// remote store should be wrapped with one of these before being handed
// to the gateway.
type GuardedResolver struct {
	reg Registry
	cb  *gobreaker.CircuitBreaker[*App]
}

// NewGuardedResolver builds a GuardedResolver around reg. name
// identifies the breaker in logs/metrics.
func NewGuardedResolver(name string, reg Registry) *GuardedResolver {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &GuardedResolver{
		reg: reg,
		cb:  gobreaker.NewCircuitBreaker[*App](settings),
	}
}

// FindByKey resolves an app key within admissionTimeout, tripping the
// breaker after repeated consecutive failures.
func (g *GuardedResolver) FindByKey(ctx context.Context, key string) (*App, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, admissionTimeout)
	defer cancel()

	type result struct {
		app *App
		ok  bool
	}
	resCh := make(chan result, 1)
	errCh := make(chan error, 1)
	go func() {
		a, ok, err := g.reg.FindByKey(ctx, key)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- result{a, ok}
	}()

	a, err := g.cb.Execute(func() (*App, error) {
		select {
		case r := <-resCh:
			if !r.ok {
				return nil, nil
			}
			return r.app, nil
		case err := <-errCh:
			return nil, err
		case <-ctx.Done():
			return nil, ErrBackendUnavailable
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, false, ErrBackendUnavailable
		}
		return nil, false, err
	}
	return a, a != nil, nil
}
