package coverage

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

// FakeAdapter is a self-contained, in-memory stand-in for the instrumented
// target. It never links against a real engine; edge hits are derived
// deterministically from the source text so that the same program always
// exercises the same synthetic edges, and a small set of magic strings
// (mirroring the fuzzilli self-test convention) drive Crash/Timeout
// classification. It backs --test-mode and every unit test in this module.
type FakeAdapter struct {
	profile fuzz.Profile

	mu       sync.Mutex
	virgin   map[int]map[uint32]bool // workerID -> edge -> already seen
	lastHits map[int][]uint32        // workerID -> edges touched by the most recent ExecuteScript
}

func NewFakeAdapter(profile fuzz.Profile) *FakeAdapter {
	return &FakeAdapter{
		profile:  profile,
		virgin:   make(map[int]map[uint32]bool),
		lastHits: make(map[int][]uint32),
	}
}

func (a *FakeAdapter) Profile() fuzz.Profile { return a.profile }

func (a *FakeAdapter) Init(workerID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.virgin[workerID] = make(map[uint32]bool)
	a.lastHits[workerID] = nil
	return nil
}

func (a *FakeAdapter) Spawn(workerID int) error                        { return nil }
func (a *FakeAdapter) FinishInitialization(workerID int, _ bool) error { return nil }
func (a *FakeAdapter) DestroyContext(workerID int) error               { return nil }
func (a *FakeAdapter) Cleanup(workerID int) error                      { return nil }

// syntheticEdges derives a small, stable set of edge indices from source so
// that repeated executions of the same program report the same coverage.
// Every index mixes in a hash of the whole source, so two different
// programs share an edge only by chance, however similar their text.
func syntheticEdges(source string) []uint32 {
	h := fnv.New32a()
	h.Write([]byte(source))
	base := h.Sum32()

	count := len(source)%5 + 1
	edges := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		h2 := fnv.New32a()
		cut := min(len(source), (i+1)*7)
		h2.Write([]byte(source[:cut]))
		edges = append(edges, (base^h2.Sum32())%4096)
	}
	return edges
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

const fuzzilliCrashPrefix = "fuzzilli('FUZZILLI_CRASH'"

// ExecuteScript recognizes the fuzzilli crash self-test convention and an
// infinite-loop marker for deterministic Timeout testing; everything else
// is classified Success and its synthetic edges are recorded as touched by
// this run, ready for CovEvaluate to compare against the virgin bitmap.
func (a *FakeAdapter) ExecuteScript(workerID int, source string, timeoutMS int, _ bool) int32 {
	if strings.Contains(source, fuzzilliCrashPrefix) {
		switch a.profile {
		case fuzz.ProfileGecko, fuzz.ProfileJSC:
			return 256
		default:
			return 5
		}
	}
	if strings.Contains(source, "while(true)") || strings.Contains(source, "while (true)") {
		return 0x10000
	}

	a.mu.Lock()
	a.lastHits[workerID] = syntheticEdges(source)
	a.mu.Unlock()
	return 0
}

// CovEvaluate reports, among the edges touched by the most recent
// ExecuteScript, those still virgin in this replica's bitmap, then marks
// them seen. Calling it twice without an intervening ExecuteScript or Reset
// yields zero new edges the second time, matching the real adapter's
// mutate-on-read contract.
func (a *FakeAdapter) CovEvaluate(workerID int) (EdgeSet, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bitmap := a.virgin[workerID]
	if bitmap == nil {
		bitmap = make(map[uint32]bool)
		a.virgin[workerID] = bitmap
	}

	var newEdges []uint32
	for _, edge := range a.lastHits[workerID] {
		if !bitmap[edge] {
			bitmap[edge] = true
			newEdges = append(newEdges, edge)
		}
	}
	return EdgeSet{Indices: newEdges}, len(newEdges)
}

func (a *FakeAdapter) CovClearEdgeData(workerID int, index uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bitmap := a.virgin[workerID]; bitmap != nil {
		bitmap[index] = false
	}
}

func (a *FakeAdapter) CovSetEdgeData(workerID int, index uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bitmap := a.virgin[workerID]
	if bitmap == nil {
		bitmap = make(map[uint32]bool)
		a.virgin[workerID] = bitmap
	}
	bitmap[index] = true
}
