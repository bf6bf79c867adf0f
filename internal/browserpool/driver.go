// Package browserpool manages a pool of isolated browsing contexts across one
// or more browser engine processes. Engines are launched on demand, shared
// across sequential acquisitions, kept warm for a configurable idle period,
// and never shared across concurrent leases.
package browserpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"

	"github.com/kmansel/gridrunner/api/schemas"
)

// Context is one isolated browsing session: its own cookie jar, storage and
// cache, owned by at most one lease at a time.
type Context interface {
	ID() string
	// Run executes automation actions against this context, honoring ctx.
	Run(ctx context.Context, actions ...chromedp.Action) error
	// CDPContext exposes the underlying driver context for low-level event
	// subscriptions. Fake drivers return a plain context.
	CDPContext() context.Context
	Close(ctx context.Context) error
}

// Engine is one running browser process serving isolated contexts.
type Engine interface {
	NewContext(ctx context.Context) (Context, error)
	// ContextCount reports the number of open contexts on this engine.
	ContextCount() int
	Close(ctx context.Context) error
}

// Driver launches engine processes for one engine kind.
type Driver interface {
	Kind() schemas.EngineKind
	Launch(ctx context.Context, target schemas.EngineTarget) (Engine, error)
}

// LaunchError indicates that an engine process could not be started (or no
// driver serves the requested kind).
type LaunchError struct {
	Target schemas.EngineTarget
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s engine for target %q: %v", e.Target.Kind, e.Target.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Registry maps engine kinds to their drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[schemas.EngineKind]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[schemas.EngineKind]Driver)}
}

// Register installs the driver for its kind, replacing any previous one.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// Lookup returns the driver for a kind, if one is registered.
func (r *Registry) Lookup(kind schemas.EngineKind) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	return d, ok
}

// Kinds returns the registered kinds, for diagnostics.
func (r *Registry) Kinds() []schemas.EngineKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.EngineKind, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	return out
}
