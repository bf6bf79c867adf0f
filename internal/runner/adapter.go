package runner

import (
	"context"

	"github.com/kmansel/gridrunner/api/schemas"
	"github.com/kmansel/gridrunner/internal/browserpool"
)

// poolAdapter narrows *browserpool.Pool to the runner's ContextPool.
type poolAdapter struct {
	pool *browserpool.Pool
}

// WrapPool adapts a browser pool for use by the runner.
func WrapPool(p *browserpool.Pool) ContextPool {
	return &poolAdapter{pool: p}
}

func (a *poolAdapter) Acquire(ctx context.Context, target schemas.EngineTarget, seed *schemas.SessionState) (Lease, error) {
	lease, err := a.pool.Acquire(ctx, target, seed)
	if err != nil {
		return nil, err
	}
	return lease, nil
}
