// Package handler implements the Handler Resolver (C6): mapping an
// event namespace ("foo-bar" in "foo-bar.method") onto a Controller
// implementation, with caching, a kebab-to-pascal direct strategy and a
// folder-segmentation fallback strategy.
//
// Go has no runtime filesystem/class-autoloading to mirror the source's
// folder-scan strategy, so both strategies are expressed over an
// explicit registration map instead of a directory walk: Register binds
// a kebab-case namespace (or "a/b" folder-style namespace, for the
// folder-segmentation examples) to a Controller factory. Resolve then
// performs the same two-strategy, cached lookup.
package handler

import (
	"strings"
	"sync"
)

// Controller is implemented by every event handler group. Method
// implementations are looked up by reflection (see internal/dispatch),
// so Controller itself only carries the optional lifecycle hooks.
type Controller interface{}

// Booter, Booted and Unbooter are optional hooks a Controller may
// implement.
type Booter interface {
	// Boot runs before the auth gate. Returning Stop halts dispatch
	// silently (no reply).
	Boot(socketID, event, channel string) error
}

type Booted interface {
	Booted(socketID, event, channel string) error
}

type Unbooter interface {
	// Unboot runs once the handler has returned (even with an error)
	// or the terminal timeout has fired. It returns nothing, so cleanup
	// is best-effort.
	Unboot(socketID, event, channel string)
}

// AuthRequirer lets a Controller opt out of the default
// authenticated-principal gate, which defaults to required.
type AuthRequirer interface {
	RequiresAuth() bool
}

// Factory constructs a fresh Controller instance per dispatch, so
// per-dispatch state never leaks between concurrent invocations.
type Factory func() Controller

type cacheEntry struct {
	factory Factory
	found   bool
}

// Resolver resolves event namespaces to Controller factories, caching
// both hits and misses, including negative lookups.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry

	direct map[string]Factory // "foo-bar" -> factory, the direct strategy
	folder map[string]Factory // "foo/bar" -> factory, the folder-split strategy

	hits, misses int
	noCache      bool // hot-reload mode: bypass the cache entirely
}

// NewResolver creates an empty Resolver. noCache disables caching,
// mirroring a hot-reload development mode; production wiring does not
// require this mode, so production wiring should leave it false.
func NewResolver(noCache bool) *Resolver {
	return &Resolver{
		cache:   make(map[string]cacheEntry),
		direct:  make(map[string]Factory),
		folder:  make(map[string]Factory),
		noCache: noCache,
	}
}

// Register binds namespace (a kebab-case event prefix, e.g. "foo-bar",
// or a folder-style path, e.g. "foo/bar") to factory. Call during
// startup, before Preload/Resolve are used concurrently.
func (r *Resolver) Register(namespace string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.Contains(namespace, "/") {
		r.folder[namespace] = factory
	} else {
		r.direct[namespace] = factory
	}
	delete(r.cache, namespace)
}

// Preload eagerly caches every direct registration, so the first real
// dispatch for one never pays a cache-miss cost. Folder-style
// registrations are cached on their first Resolve.
func (r *Resolver) Preload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ns, f := range r.direct {
		r.cache[ns] = cacheEntry{factory: f, found: true}
	}
}

// ClearCache discards all cached lookups, positive and negative.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// Stats reports resolver cache effectiveness, exposed for tests/ops.
type Stats struct {
	Hits, Misses, CacheSize int
}

func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Hits: r.hits, Misses: r.misses, CacheSize: len(r.cache)}
}

// Resolve maps prefix (the part of an event name before its first ".")
// to a Controller factory, trying the direct strategy first and then
// decreasing-depth folder splits. The result — including a
// negative one — is cached unless noCache is set.
func (r *Resolver) Resolve(prefix string) (Factory, bool) {
	if !r.noCache {
		r.mu.RLock()
		if entry, ok := r.cache[prefix]; ok {
			r.mu.RUnlock()
			r.mu.Lock()
			r.hits++
			r.mu.Unlock()
			return entry.factory, entry.found
		}
		r.mu.RUnlock()
	}

	factory, found := r.resolveUncached(prefix)

	r.mu.Lock()
	r.misses++
	if !r.noCache {
		r.cache[prefix] = cacheEntry{factory: factory, found: found}
	}
	r.mu.Unlock()

	return factory, found
}

func (r *Resolver) resolveUncached(prefix string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.direct[prefix]; ok {
		return f, true
	}

	segments := strings.Split(prefix, "-")
	for depth := len(segments) - 1; depth >= 1; depth-- {
		key := strings.Join(segments[:depth], "/") + "/" + strings.Join(segments[depth:], "-")
		if f, ok := r.folder[key]; ok {
			return f, true
		}
	}
	return nil, false
}
