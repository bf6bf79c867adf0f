// Package runner executes logical tests against every target the engine
// matrix declares, isolating failures per run and aggregating the outcomes
// into a suite report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmansel/gridrunner/api/schemas"
	"github.com/kmansel/gridrunner/internal/config"
	"github.com/kmansel/gridrunner/internal/matrix"
	"github.com/kmansel/gridrunner/internal/statestore"
)

// Lease is the slice of a pool lease the runner and test bodies need.
type Lease interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	CDPContext() context.Context
	Target() schemas.EngineTarget
	Close(ctx context.Context) error
}

// ContextPool acquires isolated browsing contexts for targets.
type ContextPool interface {
	Acquire(ctx context.Context, target schemas.EngineTarget, seed *schemas.SessionState) (Lease, error)
}

// StateLoader loads persisted session state for seeding.
type StateLoader interface {
	Load(ctx context.Context, id string) (*schemas.SessionState, error)
}

// RunContext is handed to a test body: the leased browser context plus the
// run's identity and a scoped logger. Bodies receive everything explicitly;
// there are no ambient globals.
type RunContext struct {
	TestID string
	Target schemas.EngineTarget
	Lease  Lease
	Logger *zap.Logger
}

// Body is one logical test. It drives the leased context and returns an
// error to fail the run.
type Body func(ctx context.Context, rc *RunContext) error

// Test is a logical test: an identifier, an optional session-state id used
// to seed an authenticated context, and the body.
type Test struct {
	ID      string
	StateID string
	Body    Body
}

// Suite is an ordered set of logical tests executed together.
type Suite struct {
	Name  string
	Tests []Test
}

// Runner schedules concrete runs across a bounded worker pool. The worker
// concurrency is independent of the matrix fan-out width.
type Runner struct {
	cfg    config.RunnerConfig
	logger *zap.Logger
	mat    *matrix.Matrix
	pool   ContextPool
	states StateLoader // optional
}

// New validates the dependencies and builds a runner. The state loader may be
// nil when no test seeds session state.
func New(cfg config.RunnerConfig, mat *matrix.Matrix, pool ContextPool, states StateLoader, logger *zap.Logger) (*Runner, error) {
	if mat == nil || pool == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize runner with nil dependencies")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 10 * time.Second
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.Named("runner"),
		mat:    mat,
		pool:   pool,
		states: states,
	}, nil
}

type job struct {
	slot   int
	test   Test
	target schemas.EngineTarget
}

// Run executes the suite and always returns a finalized report: exactly one
// result per expanded (test, target) pair, in expansion order, regardless of
// failures or cancellation.
func (r *Runner) Run(ctx context.Context, suite Suite) *schemas.SuiteReport {
	report := &schemas.SuiteReport{
		SuiteID:   uuid.NewString(),
		Name:      suite.Name,
		StartedAt: time.Now().UTC(),
	}

	var jobs []job
	var results []schemas.RunResult
	for _, t := range suite.Tests {
		runs := r.mat.Expand(t.ID)
		if len(runs) == 0 {
			// An empty matrix skips the test but never drops it silently.
			results = append(results, schemas.RunResult{TestID: t.ID, Outcome: schemas.OutcomeSkipped})
			continue
		}
		for _, cr := range runs {
			jobs = append(jobs, job{slot: len(results), test: t, target: cr.Target})
			results = append(results, schemas.RunResult{})
		}
	}

	r.logger.Info("Suite starting.",
		zap.String("suite_id", report.SuiteID),
		zap.String("suite", suite.Name),
		zap.Int("tests", len(suite.Tests)),
		zap.Int("runs", len(jobs)),
		zap.Int("concurrency", r.cfg.Concurrency))

	queue := make(chan job)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := r.logger.With(zap.Int("worker_id", workerID))
			for j := range queue {
				var res schemas.RunResult
				if ctx.Err() != nil {
					// Runs never started before cancellation are skipped,
					// not lost; completed results stay in the report.
					res = schemas.RunResult{
						TestID:  j.test.ID,
						Target:  j.target,
						Outcome: schemas.OutcomeSkipped,
						Error:   &schemas.RunError{Stage: "cancelled", Message: ctx.Err().Error()},
					}
				} else {
					res = r.execute(ctx, j.test, j.target, log)
				}
				mu.Lock()
				results[j.slot] = res
				mu.Unlock()
			}
		}(i + 1)
	}

	for _, j := range jobs {
		queue <- j
	}
	close(queue)
	wg.Wait()

	report.Results = results
	report.Duration = time.Since(report.StartedAt)
	report.Summarize()

	r.logger.Info("Suite finished.",
		zap.String("suite_id", report.SuiteID),
		zap.Int("passed", report.Summary.Passed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Int("timed_out", report.Summary.TimedOut))
	return report
}

// execute runs one (test, target) pair through its state machine:
// pending -> acquiring -> running -> terminal, with release as the
// unconditional post-terminal step.
func (r *Runner) execute(ctx context.Context, t Test, target schemas.EngineTarget, log *zap.Logger) schemas.RunResult {
	start := time.Now()
	result := schemas.RunResult{TestID: t.ID, Target: target}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	seed, res, done := r.loadSeed(runCtx, t, result, start, log)
	if done {
		return res
	}

	lease, err := r.pool.Acquire(runCtx, target, seed)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return finish(result, start, schemas.OutcomeTimedOut, "timeout", err)
		}
		stage := "acquire"
		var seedErr *statestore.SeedError
		if errors.As(err, &seedErr) {
			stage = "seed"
		}
		return finish(result, start, schemas.OutcomeFailed, stage, err)
	}

	// Release is unconditional and idempotent, bounded by its own context so
	// a hung run cannot also hang cleanup.
	defer func() {
		relCtx, relCancel := context.WithTimeout(context.Background(), r.cfg.ReleaseTimeout)
		defer relCancel()
		if err := lease.Close(relCtx); err != nil {
			log.Warn("Error releasing context.", zap.String("test_id", t.ID), zap.Error(err))
		}
	}()

	rc := &RunContext{
		TestID: t.ID,
		Target: target,
		Lease:  lease,
		Logger: log.With(zap.String("test_id", t.ID), zap.String("target", target.Name)),
	}

	// The body runs in its own goroutine: the runner enforces the timeout,
	// so a hung page cannot stall the worker past the run's bound.
	bodyErr := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				bodyErr <- fmt.Errorf("test body panicked: %v", rec)
			}
		}()
		bodyErr <- t.Body(runCtx, rc)
	}()

	select {
	case err := <-bodyErr:
		if err == nil {
			return finish(result, start, schemas.OutcomePassed, "", nil)
		}
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return finish(result, start, schemas.OutcomeTimedOut, "timeout", err)
		}
		return finish(result, start, schemas.OutcomeFailed, "body", err)
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return finish(result, start, schemas.OutcomeTimedOut, "timeout", runCtx.Err())
		}
		return finish(result, start, schemas.OutcomeFailed, "cancelled", runCtx.Err())
	}
}

// loadSeed resolves the test's session state. A missing record falls back to
// an unauthenticated context; any other store error fails this run only.
func (r *Runner) loadSeed(ctx context.Context, t Test, result schemas.RunResult, start time.Time, log *zap.Logger) (*schemas.SessionState, schemas.RunResult, bool) {
	if t.StateID == "" || r.states == nil {
		return nil, schemas.RunResult{}, false
	}
	state, err := r.states.Load(ctx, t.StateID)
	if err == nil {
		return state, schemas.RunResult{}, false
	}
	if errors.Is(err, statestore.ErrNotFound) {
		log.Debug("No stored session state; starting unauthenticated.",
			zap.String("test_id", t.ID), zap.String("state_id", t.StateID))
		return nil, schemas.RunResult{}, false
	}
	return nil, finish(result, start, schemas.OutcomeFailed, "seed", err), true
}

func finish(res schemas.RunResult, start time.Time, outcome schemas.Outcome, stage string, err error) schemas.RunResult {
	res.Outcome = outcome
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = &schemas.RunError{Stage: stage, Message: err.Error()}
	}
	return res
}
