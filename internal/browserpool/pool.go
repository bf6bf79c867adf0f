package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kmansel/gridrunner/api/schemas"
	"github.com/kmansel/gridrunner/internal/config"
	"github.com/kmansel/gridrunner/internal/statestore"
)

// ErrPoolClosed is returned by Acquire after Shutdown has started.
var ErrPoolClosed = errors.New("browser pool is shut down")

// Pool hands out isolated browsing contexts. Engine processes are shared
// across sequential acquisitions of the same target and kept warm for IdleTTL
// after their last context is released; concurrent leases always receive
// disjoint contexts.
type Pool struct {
	cfg      config.PoolConfig
	logger   *zap.Logger
	registry *Registry
	limiter  *rate.Limiter

	mu      sync.Mutex
	engines map[string]*engineHandle // keyed by target name
	closed  bool
	leases  sync.WaitGroup
}

type engineHandle struct {
	target    schemas.EngineTarget
	ready     chan struct{} // closed once engine or launchErr is set
	engine    Engine
	launchErr error
	active    int
	idleTimer *time.Timer
}

// New creates a pool over the given driver registry.
func New(cfg config.PoolConfig, registry *Registry, logger *zap.Logger) *Pool {
	lps := cfg.LaunchesPerSecond
	if lps <= 0 {
		lps = 1
	}
	return &Pool{
		cfg:      cfg,
		logger:   logger.Named("browser_pool"),
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(lps), 1),
		engines:  make(map[string]*engineHandle),
	}
}

// NewDefault creates a pool with the built-in chromium driver registered.
func NewDefault(cfg config.PoolConfig, logger *zap.Logger) *Pool {
	reg := NewRegistry()
	reg.Register(NewChromiumDriver(cfg, logger))
	return New(cfg, reg, logger)
}

// Acquire launches or reuses the engine for the target, creates a fresh
// isolated context and, if a seed is given, installs it before any
// navigation. On failure no partially started resource is left behind.
func (p *Pool) Acquire(ctx context.Context, tgt schemas.EngineTarget, seed *schemas.SessionState) (*Lease, error) {
	if err := tgt.Validate(); err != nil {
		return nil, &LaunchError{Target: tgt, Err: err}
	}

	h, err := p.engineFor(ctx, tgt)
	if err != nil {
		return nil, &LaunchError{Target: tgt, Err: err}
	}

	bctx, err := h.engine.NewContext(ctx)
	if err != nil {
		p.releaseHandle(h)
		return nil, &LaunchError{Target: tgt, Err: fmt.Errorf("failed to create context: %w", err)}
	}

	if seed != nil {
		if err := p.applySeed(ctx, bctx, seed); err != nil {
			p.closeContext(bctx)
			p.releaseHandle(h)
			return nil, err
		}
	}

	p.leases.Add(1)
	lease := &Lease{
		id:     uuid.NewString(),
		pool:   p,
		handle: h,
		bctx:   bctx,
		target: tgt,
	}
	p.logger.Debug("Context acquired.",
		zap.String("lease_id", lease.id),
		zap.String("target", tgt.Name),
		zap.Bool("seeded", seed != nil))
	return lease, nil
}

func (p *Pool) applySeed(ctx context.Context, bctx Context, seed *schemas.SessionState) error {
	tasks, err := statestore.SeedActions(seed)
	if err != nil {
		return err // already a *statestore.SeedError
	}
	if err := bctx.Run(ctx, tasks...); err != nil {
		return &statestore.SeedError{Err: err}
	}
	return nil
}

// engineFor returns a ready engine handle for the target with its active
// count already incremented, launching the engine if necessary.
func (p *Pool) engineFor(ctx context.Context, tgt schemas.EngineTarget) (*engineHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if h, ok := p.engines[tgt.Name]; ok {
		h.active++
		if h.idleTimer != nil {
			h.idleTimer.Stop()
			h.idleTimer = nil
		}
		p.mu.Unlock()

		select {
		case <-h.ready:
		case <-ctx.Done():
			p.releaseHandle(h)
			return nil, ctx.Err()
		}
		if h.launchErr != nil {
			// The launcher already removed the handle from the map.
			p.releaseHandle(h)
			return nil, h.launchErr
		}
		return h, nil
	}

	drv, found := p.registry.Lookup(tgt.Kind)
	if !found {
		p.mu.Unlock()
		return nil, fmt.Errorf("no driver registered for engine kind %q", tgt.Kind)
	}

	h := &engineHandle{target: tgt, ready: make(chan struct{}), active: 1}
	p.engines[tgt.Name] = h
	p.mu.Unlock()

	p.launch(ctx, drv, h)
	if h.launchErr != nil {
		return nil, h.launchErr
	}
	return h, nil
}

// launch starts the engine for a freshly inserted handle. It always closes
// h.ready, and on failure removes the handle so later acquires retry.
func (p *Pool) launch(ctx context.Context, drv Driver, h *engineHandle) {
	defer close(h.ready)

	if err := p.limiter.Wait(ctx); err != nil {
		p.failLaunch(h, err)
		return
	}

	eng, err := drv.Launch(ctx, h.target)
	if err != nil {
		p.failLaunch(h, err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.Close(closeCtx)
		p.failLaunch(h, ErrPoolClosed)
		return
	}
	h.engine = eng
	p.mu.Unlock()

	p.logger.Info("Engine ready.",
		zap.String("target", h.target.Name),
		zap.String("kind", string(h.target.Kind)))
}

func (p *Pool) failLaunch(h *engineHandle, err error) {
	p.mu.Lock()
	h.launchErr = err
	if cur, ok := p.engines[h.target.Name]; ok && cur == h {
		delete(p.engines, h.target.Name)
	}
	p.mu.Unlock()
}

// releaseHandle decrements the handle's active count and, once idle, arms the
// retirement timer that shuts the warm engine down after IdleTTL.
func (p *Pool) releaseHandle(h *engineHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h.active--
	if h.active > 0 || h.engine == nil || p.closed {
		return
	}
	if cur, ok := p.engines[h.target.Name]; !ok || cur != h {
		return
	}

	if p.cfg.IdleTTL <= 0 {
		delete(p.engines, h.target.Name)
		go p.closeEngine(h.engine, h.target.Name)
		return
	}
	engine := h.engine
	name := h.target.Name
	h.idleTimer = time.AfterFunc(p.cfg.IdleTTL, func() {
		p.retire(name, engine)
	})
}

// retire shuts down an engine that has been idle for the full TTL, unless it
// was re-acquired in the meantime.
func (p *Pool) retire(name string, engine Engine) {
	p.mu.Lock()
	h, ok := p.engines[name]
	if !ok || h.engine != engine || h.active > 0 || p.closed {
		p.mu.Unlock()
		return
	}
	delete(p.engines, name)
	p.mu.Unlock()

	p.logger.Info("Retiring idle engine.", zap.String("target", name))
	p.closeEngine(engine, name)
}

func (p *Pool) closeEngine(engine Engine, name string) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		p.logger.Warn("Error closing engine.", zap.String("target", name), zap.Error(err))
	}
}

func (p *Pool) closeContext(bctx Context) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bctx.Close(closeCtx); err != nil {
		p.logger.Warn("Error closing context.", zap.String("context_id", bctx.ID()), zap.Error(err))
	}
}

// Release closes the lease. Safe to call more than once; only the first call
// does work.
func (p *Pool) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return lease.Close(ctx)
}

// Shutdown waits for all leases to be returned, then closes every engine.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for _, h := range p.engines {
		if h.idleTimer != nil {
			h.idleTimer.Stop()
			h.idleTimer = nil
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.leases.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("All leases returned.")
	case <-ctx.Done():
		p.logger.Warn("Timeout waiting for leases. Forcing engine shutdown.", zap.Error(ctx.Err()))
	}

	p.mu.Lock()
	handles := make([]*engineHandle, 0, len(p.engines))
	for _, h := range p.engines {
		handles = append(handles, h)
	}
	p.engines = make(map[string]*engineHandle)
	p.mu.Unlock()

	g := new(errgroup.Group)
	for _, h := range handles {
		if h.engine == nil {
			continue
		}
		engine, name := h.engine, h.target.Name
		g.Go(func() error {
			if err := engine.Close(ctx); err != nil {
				return fmt.Errorf("engine %q: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("browser pool shutdown: %w", err)
	}
	p.logger.Info("Browser pool shut down.")
	return nil
}

// Lease is one acquired context. Closing it is idempotent so cleanup paths
// can always call Close unconditionally.
type Lease struct {
	id     string
	pool   *Pool
	handle *engineHandle
	bctx   Context
	target schemas.EngineTarget

	mu     sync.Mutex
	closed bool
}

func (l *Lease) ID() string                   { return l.id }
func (l *Lease) Target() schemas.EngineTarget { return l.target }

// Run executes automation actions against the leased context.
func (l *Lease) Run(ctx context.Context, actions ...chromedp.Action) error {
	return l.bctx.Run(ctx, actions...)
}

// CDPContext exposes the underlying driver context for event subscriptions
// and state capture.
func (l *Lease) CDPContext() context.Context { return l.bctx.CDPContext() }

// Close returns the context to the pool. Calling it twice is a no-op.
func (l *Lease) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.bctx.Close(ctx)
	l.pool.releaseHandle(l.handle)
	l.pool.leases.Done()
	return err
}
