package schemas

import "time"

// Outcome is the terminal state of a single concrete run.
type Outcome string

const (
	OutcomePassed   Outcome = "passed"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeTimedOut Outcome = "timedOut"
)

// RunError carries the structured failure attached to a non-passing run.
type RunError struct {
	Stage   string `json:"stage"` // "seed", "acquire", "body", "timeout", "cancelled"
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	return e.Stage + ": " + e.Message
}

// RunResult records the outcome of one logical test against one EngineTarget.
// Results are immutable once produced and are only ever aggregated.
type RunResult struct {
	TestID   string        `json:"testId"`
	Target   EngineTarget  `json:"target"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"durationMs"`
	Error    *RunError     `json:"error,omitempty"`
}

// Summary holds the derived counts of a finalized suite report.
type Summary struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	TimedOut int `json:"timedOut"`
}

// SuiteReport is the ordered collection of run results for one suite
// execution, finalized when all scheduled runs complete or the suite is
// cancelled.
type SuiteReport struct {
	SuiteID   string        `json:"suiteId"`
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationMs"`
	Results   []RunResult   `json:"results"`
	Summary   Summary       `json:"summary"`
}

// Summarize recomputes the summary counts from the recorded results.
func (r *SuiteReport) Summarize() {
	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomePassed:
			s.Passed++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeTimedOut:
			s.TimedOut++
		}
	}
	r.Summary = s
}

// Failed reports whether any run ended in a non-passing, non-skipped state.
func (r *SuiteReport) Failed() bool {
	return r.Summary.Failed > 0 || r.Summary.TimedOut > 0
}
