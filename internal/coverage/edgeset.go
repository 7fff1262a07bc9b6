// Package coverage implements the fuzzing engine's coverage-side state: the
// foreign-target adapter, edge set algebra, the corpus manager with its
// scoring and retention rules, periodic stats dumps, and the re-execution
// verifier.
package coverage

// EdgeSet is an unordered set of edge indices reported by the coverage
// adapter for a single execution. It is a plain slice: unlike the original
// C/Rust representation there is no separate owning pointer to manage, the
// Go slice header already carries length and backing array ownership.
type EdgeSet struct {
	Indices []uint32
}

func NewEdgeSet(indices ...uint32) EdgeSet {
	return EdgeSet{Indices: indices}
}

func (e EdgeSet) Len() int {
	return len(e.Indices)
}

func toSet(indices []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(indices))
	for _, idx := range indices {
		set[idx] = struct{}{}
	}
	return set
}

// Intersection returns the edges present in both a and b. Commutative and
// idempotent (Intersection(a, a) == a, modulo ordering); the result holds
// each index once, even when an input repeats it.
func Intersection(a, b EdgeSet) EdgeSet {
	bs := toSet(b.Indices)
	out := make([]uint32, 0, min(len(a.Indices), len(b.Indices)))
	seen := make(map[uint32]struct{}, len(out))
	for _, idx := range a.Indices {
		if _, ok := bs[idx]; ok {
			if _, dup := seen[idx]; !dup {
				seen[idx] = struct{}{}
				out = append(out, idx)
			}
		}
	}
	return EdgeSet{Indices: out}
}

// Reset clears every index in set from the adapter's virgin bitmap for the
// given worker, re-arming them for the next cov_evaluate call.
func Reset(adapter CoverageAdapter, workerID int, set EdgeSet) {
	for _, idx := range set.Indices {
		adapter.CovClearEdgeData(workerID, idx)
	}
}

// Mark sets every index in set, consuming the edges so a later cov_evaluate
// will not re-report them as new.
func Mark(adapter CoverageAdapter, workerID int, set EdgeSet) {
	for _, idx := range set.Indices {
		adapter.CovSetEdgeData(workerID, idx)
	}
}
