package coverage

import (
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

const stabilityHorizon = 5

// ExtractTestcaseCoverage re-executes source up to stabilityHorizon times,
// clearing each run's newly-hit edges before the next run re-arms them, and
// intersects the running set to find the edges that are stably present.
// Terminates early once two consecutive iterations agree on intersection
// size. The returned EdgeSet is a freshly allocated, owned slice: no
// pointer into it outlives this call, avoiding any raw-pointer/forget
// aliasing hazard across calls.
func ExtractTestcaseCoverage(adapter CoverageAdapter, workerID int, source string, timeoutMS int, initialEdges EdgeSet) EdgeSet {
	running := initialEdges
	prevSize := -1

	for i := 0; i < stabilityHorizon; i++ {
		adapter.ExecuteScript(workerID, source, timeoutMS, false)
		hit, _ := adapter.CovEvaluate(workerID)
		Reset(adapter, workerID, hit)

		if i == 0 && running.Len() == 0 {
			running = EdgeSet{Indices: append([]uint32(nil), hit.Indices...)}
		} else {
			running = Intersection(running, hit)
		}

		if running.Len() == prevSize {
			break
		}
		prevSize = running.Len()
	}

	return EdgeSet{Indices: append([]uint32(nil), running.Indices...)}
}

// MaintainCoverageWithMutatedEdges re-executes source up to stabilityHorizon
// times against an already-populated expected set, checking after each run
// whether at least 80% of the expected edges reappear. A crash, or strictly
// more hit edges than expected, also signals new coverage. Returns
// (false, _) if the threshold is never met within the horizon.
func MaintainCoverageWithMutatedEdges(adapter ProfiledAdapter, workerID int, source string, timeoutMS int, expected EdgeSet) (maintained bool, newCoverage bool) {
	const maintainThreshold = 0.8

	for i := 0; i < stabilityHorizon; i++ {
		code := adapter.ExecuteScript(workerID, source, timeoutMS, false)
		outcome := fuzz.ClassifyExitCode(adapter.Profile(), code)

		hit, _ := adapter.CovEvaluate(workerID)
		Reset(adapter, workerID, hit)

		if outcome == fuzz.Crash {
			return true, true
		}
		if len(expected.Indices) > 0 && hit.Len() > expected.Len() {
			return true, true
		}

		matched := Intersection(expected, hit).Len()
		if len(expected.Indices) == 0 {
			continue
		}
		if float64(matched)/float64(len(expected.Indices)) >= maintainThreshold {
			return true, false
		}
	}
	return false, false
}
