package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxfuzzer/jsfuzz/internal/coverage"
	"github.com/fluxfuzzer/jsfuzz/internal/generator"
	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

type fakeGenerator struct {
	batches [][]generator.TestCase
	calls   int
}

func (f *fakeGenerator) Request(ctx context.Context, spec generator.BatchSpec) ([]generator.TestCase, error) {
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.calls]
	f.calls++
	return b, nil
}

func (f *fakeGenerator) Stop(ctx context.Context) error { return nil }
func (f *fakeGenerator) Close() error                   { return nil }

func newTestWorker(t *testing.T, gen generator.Generator) (*Worker, chan protocol.WorkerMessage, chan protocol.MasterMessage) {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"corpus", "corpus_ir", "crashes"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	adapter := coverage.NewFakeAdapter(fuzz.ProfileV8)
	adapter.Init(0)

	toMaster := make(chan protocol.WorkerMessage, 8)
	fromMaster := make(chan protocol.MasterMessage, 8)

	w := &Worker{
		ID:         0,
		Adapter:    adapter,
		Corpus:     coverage.NewCorpusManager(coverage.WithOutputDir(dir)),
		Generator:  gen,
		ToMaster:   toMaster,
		FromMaster: fromMaster,
		OutputDir:  dir,
		TimeoutMS:  500,
		Telemetry:  &telemetry.Counters{},
		Status:     telemetry.NewRegistry(),
	}
	return w, toMaster, fromMaster
}

func TestRunSingleInputSendsNewCoverageToMaster(t *testing.T) {
	w, toMaster, _ := newTestWorker(t, nil)

	w.runSingleInput("let q = 1; function g(){ return q + 1; }", `{"ir":"g"}`)

	select {
	case msg := <-toMaster:
		if msg.Kind != protocol.WorkerNewCorpus {
			t.Fatalf("expected WorkerNewCorpus, got %v", msg.Kind)
		}
	default:
		t.Fatal("expected a message forwarded to master")
	}

	if w.Corpus.Len() != 1 {
		t.Fatalf("expected the new-coverage candidate admitted to the local corpus, got %d entries", w.Corpus.Len())
	}
}

func TestRunSingleInputPersistsCrash(t *testing.T) {
	w, toMaster, _ := newTestWorker(t, nil)

	w.runSingleInput("fuzzilli('FUZZILLI_CRASH', 0);", `{"ir":"crash"}`)

	select {
	case msg := <-toMaster:
		if msg.Kind != protocol.WorkerCrash {
			t.Fatalf("expected WorkerCrash, got %v", msg.Kind)
		}
	default:
		t.Fatal("expected a crash message forwarded to master")
	}

	entries, err := os.ReadDir(filepath.Join(w.OutputDir, "crashes"))
	if err != nil {
		t.Fatalf("read crashes dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one persisted crash file, got %d", len(entries))
	}
}

func TestRunSingleInputDiscardsWithoutCoverageOrNovelty(t *testing.T) {
	w, toMaster, _ := newTestWorker(t, nil)

	// Running the same source twice: second run produces zero new edges in
	// the fake adapter's virgin bitmap, so nothing should be retained.
	w.runSingleInput("let a = 1;", `{"ir":"a"}`)
	<-toMaster
	w.runSingleInput("let a = 1;", `{"ir":"a"}`)

	select {
	case msg := <-toMaster:
		t.Fatalf("expected no further message for a repeat with no new coverage, got %+v", msg)
	default:
	}
}

func TestSendOrPersistFallsBackWhenChannelFull(t *testing.T) {
	w, toMaster, _ := newTestWorker(t, nil)
	for i := 0; i < cap(toMaster); i++ {
		toMaster <- protocol.WorkerMessage{}
	}

	w.sendOrPersist(protocol.WorkerMessage{ProgramIR: `{"ir":"x"}`, Source: "let x = 1;"})

	entries, err := os.ReadDir(filepath.Join(w.OutputDir, "corpus"))
	if err != nil {
		t.Fatalf("read corpus dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the message to fall back to local persistence, got %d files", len(entries))
	}
}

func TestConfirmBroadcastAdmitsOnLocalCoverage(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	w.confirmBroadcast(protocol.MasterMessage{
		Kind: protocol.MasterNewCorpus, ProgramIR: `{"ir":"y"}`, Source: "let y = 2; function h(){ return y*2; }",
	})

	if w.Corpus.Len() != 1 {
		t.Fatalf("expected broadcast with local coverage to be admitted, got %d entries", w.Corpus.Len())
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	gen := &fakeGenerator{batches: [][]generator.TestCase{
		{{ID: "1", Code: "let z = 1;", State: `{"ir":"z"}`}},
	}}
	w, _, _ := newTestWorker(t, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to return once the context is cancelled")
	}
}
