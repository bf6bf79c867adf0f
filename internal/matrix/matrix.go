// Package matrix expands one logical test into the concrete runs required to
// cover every configured engine target.
package matrix

import (
	"fmt"

	"github.com/kmansel/gridrunner/api/schemas"
)

// Run is one (logical test, engine target) pair scheduled for execution.
type Run struct {
	TestID string
	Target schemas.EngineTarget
}

// Expand is a pure function: it yields one run per target, in declaration
// order. Empty targets yield an empty slice; the runner reports such a test
// as skipped rather than dropping it.
func Expand(targets []schemas.EngineTarget, testID string) []Run {
	runs := make([]Run, 0, len(targets))
	for _, t := range targets {
		runs = append(runs, Run{TestID: testID, Target: t})
	}
	return runs
}

// Matrix is a validated, immutable set of engine targets.
type Matrix struct {
	targets []schemas.EngineTarget
}

// New validates the targets (usable kinds, unique names) and freezes them.
func New(targets []schemas.EngineTarget) (*Matrix, error) {
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate engine target name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return &Matrix{targets: append([]schemas.EngineTarget(nil), targets...)}, nil
}

// Targets returns a copy of the declared targets in order.
func (m *Matrix) Targets() []schemas.EngineTarget {
	return append([]schemas.EngineTarget(nil), m.targets...)
}

// Width is the fan-out factor per logical test.
func (m *Matrix) Width() int { return len(m.targets) }

// Expand yields the concrete runs for one logical test.
func (m *Matrix) Expand(testID string) []Run {
	return Expand(m.targets, testID)
}
