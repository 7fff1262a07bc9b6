package coverage

import (
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

// CoverageAdapter wraps one per-worker replica of the instrumented target
// over the foreign coverage ABI. Every method is scoped by workerID;
// replicas are independent and the adapter never merges state across them.
type CoverageAdapter interface {
	Init(workerID int) error
	Spawn(workerID int) error
	FinishInitialization(workerID int, trackEdges bool) error

	// ExecuteScript runs source (assumed NUL-terminated by the caller's
	// encoding) with a hard millisecond timeout and returns the raw exit
	// code, classified by the caller via fuzz.ClassifyExitCode.
	ExecuteScript(workerID int, source string, timeoutMS int, freshInstance bool) int32

	// CovEvaluate populates the set of edges that transitioned from
	// unseen to seen in this replica's virgin bitmap since the last call,
	// and returns how many new edges were found.
	CovEvaluate(workerID int) (EdgeSet, int)

	CovClearEdgeData(workerID int, index uint32)
	CovSetEdgeData(workerID int, index uint32)

	DestroyContext(workerID int) error
	Cleanup(workerID int) error
}

// Profile reports which target family an adapter classifies exit codes for.
type ProfiledAdapter interface {
	CoverageAdapter
	Profile() fuzz.Profile
}
