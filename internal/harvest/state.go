package harvest

import "fmt"

// Reason records why a harvest stopped.
type Reason int

const (
	Running Reason = iota
	// Exhausted: the source has no further content to offer.
	Exhausted
	// Converged: triggering more loading stopped producing items.
	Converged
	// DateBoundaryReached: an ordered source went past the window start.
	DateBoundaryReached
	// StrategyEscalationFailed: the action that loads more content failed.
	StrategyEscalationFailed
	// Cancelled: the context ended at a cycle boundary.
	Cancelled
	// CycleLimit: Options.MaxCycles was reached.
	CycleLimit
)

func (r Reason) String() string {
	switch r {
	case Running:
		return "running"
	case Exhausted:
		return "exhausted"
	case Converged:
		return "converged"
	case DateBoundaryReached:
		return "date-boundary-reached"
	case StrategyEscalationFailed:
		return "strategy-escalation-failed"
	case Cancelled:
		return "cancelled"
	case CycleLimit:
		return "cycle-limit"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// CrawlState is the mutable state of one Run. It is created when the loop
// starts and never shared with another harvest.
type CrawlState struct {
	Seen             map[string]bool
	ConsecutiveEmpty int
	Cycle            int
	Terminated       bool
	Reason           Reason
	// Err is the failure behind StrategyEscalationFailed.
	Err error

	// Skipped counts candidates dropped for extraction or date problems.
	Skipped int
	// OutOfWindow counts candidates seen but filtered by date.
	OutOfWindow int
}

func newState() *CrawlState {
	return &CrawlState{Seen: make(map[string]bool)}
}

func (s *CrawlState) terminate(r Reason, err error) {
	s.Terminated = true
	s.Reason = r
	s.Err = err
}
