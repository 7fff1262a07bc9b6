package master

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fluxfuzzer/jsfuzz/internal/coverage"
	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

// scriptedAdapter is a coverage.ProfiledAdapter whose CovEvaluate result is
// keyed by the most recently executed source, giving tests exact control
// over the matched-edge ratio a candidate reports — something the
// hash-derived FakeAdapter cannot guarantee for specific fractions.
type scriptedAdapter struct {
	profile     fuzz.Profile
	covBySource map[string]coverage.EdgeSet
	lastSource  string
}

func (a *scriptedAdapter) Init(int) error                        { return nil }
func (a *scriptedAdapter) Spawn(int) error                        { return nil }
func (a *scriptedAdapter) FinishInitialization(int, bool) error   { return nil }
func (a *scriptedAdapter) DestroyContext(int) error               { return nil }
func (a *scriptedAdapter) Cleanup(int) error                      { return nil }
func (a *scriptedAdapter) Profile() fuzz.Profile                  { return a.profile }
func (a *scriptedAdapter) CovClearEdgeData(workerID int, index uint32) {}
func (a *scriptedAdapter) CovSetEdgeData(workerID int, index uint32)   {}

func (a *scriptedAdapter) ExecuteScript(workerID int, source string, timeoutMS int, fresh bool) int32 {
	a.lastSource = source
	return 0
}

func (a *scriptedAdapter) CovEvaluate(workerID int) (coverage.EdgeSet, int) {
	set := a.covBySource[a.lastSource]
	return set, set.Len()
}

func edgesUpTo(n int) coverage.EdgeSet {
	indices := make([]uint32, n)
	for i := range indices {
		indices[i] = uint32(i)
	}
	return coverage.EdgeSet{Indices: indices}
}

func newTestMaster(t *testing.T, adapter coverage.ProfiledAdapter) (*Master, chan protocol.MasterMessage) {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"corpus", "corpus_ir", "crashes", "remote_corpus"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	toWorker := make(chan protocol.MasterMessage, 4)
	m := &Master{
		ID:        99,
		Adapter:   adapter,
		Corpus:    coverage.NewCorpusManager(coverage.WithOutputDir(dir)),
		ToWorkers: []chan<- protocol.MasterMessage{toWorker},
		OutputDir: dir,
		TimeoutMS: 500,
	}
	return m, toWorker
}

func TestValidationRejection(t *testing.T) {
	adapter := &scriptedAdapter{
		profile: fuzz.ProfileV8,
		covBySource: map[string]coverage.EdgeSet{
			"let x = 1;": {}, // master's own replica finds zero new edges
		},
	}
	m, toWorker := newTestMaster(t, adapter)

	m.validateAndDistribute(context.Background(), `{"ir":"x"}`, "let x = 1;", "coverage")

	if m.Corpus.Len() != 0 {
		t.Fatalf("expected validation rejection to add nothing, got %d entries", m.Corpus.Len())
	}

	entries, err := os.ReadDir(filepath.Join(m.OutputDir, "corpus"))
	if err != nil {
		t.Fatalf("read corpus dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no corpus file written on rejection, got %d", len(entries))
	}

	select {
	case msg := <-toWorker:
		t.Fatalf("expected no broadcast on rejection, got %+v", msg)
	default:
	}
}

type fakeMinimizer struct {
	candidates []MinimizedCandidate
}

func (f *fakeMinimizer) Minimize(ctx context.Context, programIR, source string) ([]MinimizedCandidate, error) {
	return f.candidates, nil
}

func TestMinimizationMaintenance(t *testing.T) {
	source500 := strings.Repeat("a", 500)
	source200 := strings.Repeat("b", 200)
	source100 := strings.Repeat("c", 100)

	adapter := &scriptedAdapter{
		profile: fuzz.ProfileV8,
		covBySource: map[string]coverage.EdgeSet{
			"original": edgesUpTo(20),
			source500:  edgesUpTo(18),
			source200:  edgesUpTo(20),
			source100:  edgesUpTo(10),
		},
	}
	m, _ := newTestMaster(t, adapter)
	m.Minimizer = &fakeMinimizer{candidates: []MinimizedCandidate{
		{ProgramIR: `{"ir":"500"}`, Source: source500},
		{ProgramIR: `{"ir":"200"}`, Source: source200},
		{ProgramIR: `{"ir":"100"}`, Source: source100},
	}}

	adapter.ExecuteScript(m.ID, "original", m.TimeoutMS, false)
	expected, newCov := adapter.CovEvaluate(m.ID)
	if newCov != 20 {
		t.Fatalf("expected a 20-edge baseline, got %d", newCov)
	}

	finalIR, finalSource, minimized := m.minimize(context.Background(), `{"ir":"orig"}`, "original", expected)
	if !minimized {
		t.Fatal("expected a minimized candidate to be chosen")
	}
	if finalSource != source200 {
		t.Fatalf("expected the 200-byte candidate (first to exceed 80%% match), got len=%d", len(finalSource))
	}
	if finalIR != `{"ir":"200"}` {
		t.Fatalf("expected the IR paired with the 200-byte candidate, got %s", finalIR)
	}
}

func TestCrashPersistence(t *testing.T) {
	adapter := &scriptedAdapter{profile: fuzz.ProfileV8, covBySource: map[string]coverage.EdgeSet{}}
	m, _ := newTestMaster(t, adapter)

	m.handleWorkerMessage(context.Background(), 0, protocol.WorkerMessage{
		Kind: protocol.WorkerCrash, ProgramIR: `{"ir":"c"}`, Source: "fuzzilli('FUZZILLI_CRASH', 0);",
	})

	entries, err := os.ReadDir(filepath.Join(m.OutputDir, "crashes"))
	if err != nil {
		t.Fatalf("read crashes dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one persisted crash file, got %d", len(entries))
	}
}

func TestPollWorkersOnceTracksDisconnections(t *testing.T) {
	adapter := &scriptedAdapter{profile: fuzz.ProfileV8, covBySource: map[string]coverage.EdgeSet{}}
	m, _ := newTestMaster(t, adapter)

	closed := make(chan protocol.WorkerMessage)
	close(closed)
	m.FromWorkers = []<-chan protocol.WorkerMessage{closed}

	m.pollWorkersOnce(context.Background())
	if m.consecutiveDisconnects != 1 {
		t.Fatalf("expected one recorded disconnection, got %d", m.consecutiveDisconnects)
	}
}
