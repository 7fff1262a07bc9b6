package fuzz

import "time"

// WorkerState is the coarse activity a worker is observed in, surfaced to
// the stats aggregator and any attached status display.
type WorkerState int

const (
	Idle WorkerState = iota
	Generating
	Mutating
	Executing
	CoverageCheck
	Minimizing
	Maintaining
	SavingCrash
	Waiting
)

func (s WorkerState) String() string {
	switch s {
	case Generating:
		return "generating"
	case Mutating:
		return "mutating"
	case Executing:
		return "executing"
	case CoverageCheck:
		return "coverage_check"
	case Minimizing:
		return "minimizing"
	case Maintaining:
		return "maintaining"
	case SavingCrash:
		return "saving_crash"
	case Waiting:
		return "waiting"
	default:
		return "idle"
	}
}

// WorkerStatus is a point-in-time liveness reading for one worker: either
// alive and in some State since a given instant, or dead since one.
type WorkerStatus struct {
	Alive bool
	State WorkerState
	Since time.Time
}

func AliveStatus(state WorkerState, since time.Time) WorkerStatus {
	return WorkerStatus{Alive: true, State: state, Since: since}
}

func DeadStatus(since time.Time) WorkerStatus {
	return WorkerStatus{Alive: false, Since: since}
}

// Stuck reports whether the status has held the same since-instant for
// longer than d, the heuristic used to flag a wedged worker.
func (s WorkerStatus) Stuck(d time.Duration) bool {
	return time.Since(s.Since) > d
}
