// Package app implements the App Registry (C1): resolution and
// validation of the client-supplied app key/secret, and the read-only
// per-app policy (capacity, allowed origins, client-messages-enabled,
// statistics-enabled).
package app

import (
	"context"
	"sync"
)

// App is a read-only tenant, immutable for the lifetime of any
// connection bound to it.
type App struct {
	ID      string
	Key     string
	Secret  string
	Name    string
	Capacity *int // nil == unlimited

	ClientMessagesEnabled bool
	StatisticsEnabled     bool
	AllowedOrigins        []string // empty == any origin allowed
}

// AllowsOrigin reports whether origin satisfies this app's origin
// policy. An empty AllowedOrigins set allows any
// origin.
func (a *App) AllowsOrigin(origin string) bool {
	if len(a.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range a.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// Registry resolves apps and exposes the lifecycle operations of C1.
// Implementations are swappable: an in-memory config-backed list (the
// default, see NewStaticRegistry) or a SQL-backed store behind the same
// interface. The core never mutates App values; creation is out-of-band.
type Registry interface {
	FindByID(ctx context.Context, id string) (*App, bool, error)
	FindByKey(ctx context.Context, key string) (*App, bool, error)
	FindBySecret(ctx context.Context, secret string) (*App, bool, error)
	All(ctx context.Context) ([]*App, error)
	Create(ctx context.Context, a *App) error
}

// StaticRegistry is the in-memory, config-list-backed Registry: the
// default backend, loaded once at startup from internal/config and
// held immutable thereafter except for out-of-band Create calls (the
// admin API has no create route); apps are never created over the
// client protocol.
type StaticRegistry struct {
	mu   sync.RWMutex
	byID map[string]*App
}

// NewStaticRegistry builds a StaticRegistry from a pre-loaded app list.
func NewStaticRegistry(apps []*App) *StaticRegistry {
	r := &StaticRegistry{byID: make(map[string]*App, len(apps))}
	for _, a := range apps {
		r.byID[a.ID] = a
	}
	return r
}

func (r *StaticRegistry) FindByID(_ context.Context, id string) (*App, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok, nil
}

func (r *StaticRegistry) FindByKey(_ context.Context, key string) (*App, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byID {
		if a.Key == key {
			return a, true, nil
		}
	}
	return nil, false, nil
}

func (r *StaticRegistry) FindBySecret(_ context.Context, secret string) (*App, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byID {
		if a.Secret == secret {
			return a, true, nil
		}
	}
	return nil, false, nil
}

func (r *StaticRegistry) All(_ context.Context) ([]*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*App, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	return out, nil
}

func (r *StaticRegistry) Create(_ context.Context, a *App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ID] = a
	return nil
}
