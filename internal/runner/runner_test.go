package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmansel/gridrunner/api/schemas"
	"github.com/kmansel/gridrunner/internal/browserpool"
	"github.com/kmansel/gridrunner/internal/config"
	"github.com/kmansel/gridrunner/internal/matrix"
	"github.com/kmansel/gridrunner/internal/statestore"
)

type fakeLease struct {
	target schemas.EngineTarget

	mu     sync.Mutex
	closes int
}

func (l *fakeLease) Run(ctx context.Context, actions ...chromedp.Action) error { return nil }
func (l *fakeLease) CDPContext() context.Context                               { return context.Background() }
func (l *fakeLease) Target() schemas.EngineTarget                              { return l.target }

func (l *fakeLease) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLease) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// fakePool hands out fake leases, failing acquisition for targets listed in
// acquireErrs. All handed-out leases are retained for release assertions.
type fakePool struct {
	acquireErrs map[string]error

	mu     sync.Mutex
	leases []*fakeLease
	seeds  []*schemas.SessionState
}

func (p *fakePool) Acquire(ctx context.Context, target schemas.EngineTarget, seed *schemas.SessionState) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.acquireErrs[target.Name]; ok {
		return nil, err
	}
	lease := &fakeLease{target: target}
	p.leases = append(p.leases, lease)
	p.seeds = append(p.seeds, seed)
	return lease, nil
}

func (p *fakePool) allReleasedOnce(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.leases {
		assert.Equal(t, 1, l.closeCount(), "lease %d release count", i)
	}
}

type fakeLoader struct {
	states map[string]*schemas.SessionState
	errs   map[string]error
}

func (f *fakeLoader) Load(ctx context.Context, id string) (*schemas.SessionState, error) {
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if s, ok := f.states[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", statestore.ErrNotFound, id)
}

func twoTargets() []schemas.EngineTarget {
	return []schemas.EngineTarget{
		{Name: "chrome", Kind: schemas.EngineChromium},
		{Name: "webkit", Kind: schemas.EngineWebKit},
	}
}

func newTestRunner(t *testing.T, cfg config.RunnerConfig, targets []schemas.EngineTarget, pool ContextPool, states StateLoader) *Runner {
	t.Helper()
	m, err := matrix.New(targets)
	require.NoError(t, err)
	r, err := New(cfg, m, pool, states, zap.NewNop())
	require.NoError(t, err)
	return r
}

func passingBody(ctx context.Context, rc *RunContext) error { return nil }

func TestRunnerOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("AllPassInExpansionOrder", func(t *testing.T) {
		pool := &fakePool{}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 2}, twoTargets(), pool, nil)

		report := r.Run(ctx, Suite{Name: "smoke", Tests: []Test{
			{ID: "login", Body: passingBody},
			{ID: "checkout", Body: passingBody},
		}})

		require.Len(t, report.Results, 4)
		want := []struct{ test, target string }{
			{"login", "chrome"}, {"login", "webkit"},
			{"checkout", "chrome"}, {"checkout", "webkit"},
		}
		for i, w := range want {
			assert.Equal(t, w.test, report.Results[i].TestID)
			assert.Equal(t, w.target, report.Results[i].Target.Name)
			assert.Equal(t, schemas.OutcomePassed, report.Results[i].Outcome)
		}
		assert.Equal(t, 4, report.Summary.Total)
		assert.Equal(t, 4, report.Summary.Passed)
		assert.False(t, report.Failed())
		pool.allReleasedOnce(t)
	})

	t.Run("FailureDoesNotTouchSiblingRuns", func(t *testing.T) {
		pool := &fakePool{}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 2}, twoTargets(), pool, nil)

		report := r.Run(ctx, Suite{Name: "smoke", Tests: []Test{
			{ID: "flaky", Body: func(ctx context.Context, rc *RunContext) error {
				if rc.Target.Name == "webkit" {
					return errors.New("element not found")
				}
				return nil
			}},
		}})

		require.Len(t, report.Results, 2)
		assert.Equal(t, schemas.OutcomePassed, report.Results[0].Outcome)
		assert.Equal(t, schemas.OutcomeFailed, report.Results[1].Outcome)
		require.NotNil(t, report.Results[1].Error)
		assert.Equal(t, "body", report.Results[1].Error.Stage)
		assert.True(t, report.Failed())
		pool.allReleasedOnce(t)
	})

	t.Run("HungBodyTimesOutAndReleasesOnce", func(t *testing.T) {
		pool := &fakePool{}
		cfg := config.RunnerConfig{Concurrency: 1, RunTimeout: 50 * time.Millisecond}
		targets := twoTargets()[:1]
		r := newTestRunner(t, cfg, targets, pool, nil)

		report := r.Run(ctx, Suite{Name: "smoke", Tests: []Test{
			{ID: "hang", Body: func(ctx context.Context, rc *RunContext) error {
				<-ctx.Done()
				return ctx.Err()
			}},
		}})

		require.Len(t, report.Results, 1)
		assert.Equal(t, schemas.OutcomeTimedOut, report.Results[0].Outcome)
		assert.Equal(t, 1, report.Summary.TimedOut)
		pool.allReleasedOnce(t)
	})

	t.Run("PanickingBodyFailsItsRunOnly", func(t *testing.T) {
		pool := &fakePool{}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 2}, twoTargets(), pool, nil)

		report := r.Run(ctx, Suite{Name: "smoke", Tests: []Test{
			{ID: "explode", Body: func(ctx context.Context, rc *RunContext) error {
				if rc.Target.Name == "chrome" {
					panic("nil dereference in page object")
				}
				return nil
			}},
		}})

		require.Len(t, report.Results, 2)
		assert.Equal(t, schemas.OutcomeFailed, report.Results[0].Outcome)
		assert.Contains(t, report.Results[0].Error.Message, "panicked")
		assert.Equal(t, schemas.OutcomePassed, report.Results[1].Outcome)
		pool.allReleasedOnce(t)
	})

	t.Run("EmptyMatrixSkipsTestsWithoutDroppingThem", func(t *testing.T) {
		pool := &fakePool{}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 1}, nil, pool, nil)

		report := r.Run(ctx, Suite{Name: "smoke", Tests: []Test{
			{ID: "orphan", Body: passingBody},
		}})

		require.Len(t, report.Results, 1)
		assert.Equal(t, "orphan", report.Results[0].TestID)
		assert.Equal(t, schemas.OutcomeSkipped, report.Results[0].Outcome)
		assert.Equal(t, 1, report.Summary.Skipped)
	})

	t.Run("AcquireFailureFailsOnlyThatEngine", func(t *testing.T) {
		launchErr := &browserpool.LaunchError{
			Target: schemas.EngineTarget{Name: "webkit", Kind: schemas.EngineWebKit},
			Err:    errors.New("no webkit driver registered"),
		}
		pool := &fakePool{acquireErrs: map[string]error{"webkit": launchErr}}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 2}, twoTargets(), pool, nil)

		report := r.Run(ctx, Suite{Name: "smoke", Tests: []Test{
			{ID: "login", Body: passingBody},
		}})

		require.Len(t, report.Results, 2)
		assert.Equal(t, schemas.OutcomePassed, report.Results[0].Outcome)
		assert.Equal(t, schemas.OutcomeFailed, report.Results[1].Outcome)
		assert.Equal(t, "acquire", report.Results[1].Error.Stage)
	})
}

func TestRunnerSeeding(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadedStateIsPassedToAcquire", func(t *testing.T) {
		state := &schemas.SessionState{Version: schemas.SessionStateVersion}
		pool := &fakePool{}
		loader := &fakeLoader{states: map[string]*schemas.SessionState{"admin": state}}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 1}, twoTargets()[:1], pool, loader)

		report := r.Run(ctx, Suite{Tests: []Test{
			{ID: "dashboard", StateID: "admin", Body: passingBody},
		}})

		assert.Equal(t, schemas.OutcomePassed, report.Results[0].Outcome)
		require.Len(t, pool.seeds, 1)
		assert.Same(t, state, pool.seeds[0])
	})

	t.Run("MissingStateFallsBackToUnauthenticated", func(t *testing.T) {
		pool := &fakePool{}
		loader := &fakeLoader{}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 1}, twoTargets()[:1], pool, loader)

		report := r.Run(ctx, Suite{Tests: []Test{
			{ID: "landing", StateID: "never-captured", Body: passingBody},
		}})

		assert.Equal(t, schemas.OutcomePassed, report.Results[0].Outcome)
		require.Len(t, pool.seeds, 1)
		assert.Nil(t, pool.seeds[0])
	})

	t.Run("StoreFailureFailsTheRunAtSeedStage", func(t *testing.T) {
		pool := &fakePool{}
		loader := &fakeLoader{errs: map[string]error{"admin": errors.New("connection refused")}}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 1}, twoTargets()[:1], pool, loader)

		report := r.Run(ctx, Suite{Tests: []Test{
			{ID: "dashboard", StateID: "admin", Body: passingBody},
		}})

		assert.Equal(t, schemas.OutcomeFailed, report.Results[0].Outcome)
		assert.Equal(t, "seed", report.Results[0].Error.Stage)
		assert.Empty(t, pool.leases, "no context should be acquired")
	})

	t.Run("SeedInstallFailureReportsSeedStage", func(t *testing.T) {
		seedErr := &statestore.SeedError{Err: errors.New("invalid origin")}
		pool := &fakePool{acquireErrs: map[string]error{"chrome": seedErr}}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 1}, twoTargets()[:1], pool, nil)

		report := r.Run(ctx, Suite{Tests: []Test{
			{ID: "dashboard", Body: passingBody},
		}})

		assert.Equal(t, schemas.OutcomeFailed, report.Results[0].Outcome)
		assert.Equal(t, "seed", report.Results[0].Error.Stage)
	})
}

func TestRunnerScheduling(t *testing.T) {
	t.Run("ConcurrencyBoundIsRespected", func(t *testing.T) {
		pool := &fakePool{}
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 2}, twoTargets(), pool, nil)

		var inFlight, peak atomic.Int32
		report := r.Run(context.Background(), Suite{Tests: []Test{
			{ID: "a", Body: func(ctx context.Context, rc *RunContext) error {
				cur := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return nil
			}},
			{ID: "b", Body: func(ctx context.Context, rc *RunContext) error {
				inFlight.Add(1)
				defer inFlight.Add(-1)
				time.Sleep(20 * time.Millisecond)
				return nil
			}},
		}})

		assert.Equal(t, 4, report.Summary.Passed)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("CancelledContextSkipsEveryRunButReportsAll", func(t *testing.T) {
		pool := &fakePool{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := newTestRunner(t, config.RunnerConfig{Concurrency: 2}, twoTargets(), pool, nil)

		bodyRan := false
		report := r.Run(ctx, Suite{Tests: []Test{
			{ID: "login", Body: func(ctx context.Context, rc *RunContext) error {
				bodyRan = true
				return nil
			}},
			{ID: "checkout", Body: passingBody},
		}})

		require.Len(t, report.Results, 4, "cancellation must not drop results")
		for _, res := range report.Results {
			assert.Equal(t, schemas.OutcomeSkipped, res.Outcome)
			require.NotNil(t, res.Error)
			assert.Equal(t, "cancelled", res.Error.Stage)
		}
		assert.False(t, bodyRan)
		assert.Equal(t, 4, report.Summary.Skipped)
	})
}

func TestNewRunnerValidation(t *testing.T) {
	m, err := matrix.New(twoTargets())
	require.NoError(t, err)

	_, err = New(config.RunnerConfig{}, nil, &fakePool{}, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = New(config.RunnerConfig{}, m, nil, nil, zap.NewNop())
	assert.Error(t, err)

	r, err := New(config.RunnerConfig{}, m, &fakePool{}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 4, r.cfg.Concurrency, "zero concurrency falls back to the default")
}
