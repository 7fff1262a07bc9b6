// Package worker implements the per-replica fuzzing loop: request
// candidates from the external generator, execute and evaluate each,
// apply the retention rule, and confirm any corpus entries broadcast by
// the master before admitting them locally.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fluxfuzzer/jsfuzz/internal/coverage"
	"github.com/fluxfuzzer/jsfuzz/internal/generator"
	"github.com/fluxfuzzer/jsfuzz/internal/logging"
	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

// slowExecutionThreshold is the elapsed-time cutoff above which a candidate
// is considered too slow to be worth retaining.
const slowExecutionThreshold = 5 * time.Second

const defaultIdleBackoff = 10 * time.Millisecond

// Worker owns one coverage replica, one local corpus, and a generator
// client, and drives the main fuzzing loop for that replica.
type Worker struct {
	ID int

	Adapter   coverage.ProfiledAdapter
	Corpus    *coverage.CorpusManager
	Generator generator.Generator // nil disables the generation step

	ToMaster   chan<- protocol.WorkerMessage
	FromMaster <-chan protocol.MasterMessage

	OutputDir string
	TimeoutMS int

	Telemetry *telemetry.Counters
	Status    *telemetry.Registry

	Log *logging.Logger
}

// Run drives the main loop until ctx is cancelled, the only cooperative
// shutdown path.
func (w *Worker) Run(ctx context.Context) error {
	if w.TimeoutMS == 0 {
		w.TimeoutMS = 500
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if w.Generator != nil {
			w.runGenerationBatch(ctx)
		}

		w.drainMasterBroadcasts(ctx)
		w.setState(fuzz.Idle)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultIdleBackoff):
		}
	}
}

// runGenerationBatch sends the generator child stop to flush residual
// state before every generation request, then requests a batch and runs
// each candidate.
func (w *Worker) runGenerationBatch(ctx context.Context) {
	if err := w.Generator.Stop(ctx); err != nil {
		w.logf("generator stop: %v", err)
	}

	w.setState(fuzz.Generating)
	cases, err := w.Generator.Request(ctx, generator.DefaultBatchSpec(w.OutputDir))
	if err != nil {
		w.logf("generate batch: %v", err)
		return
	}

	w.setState(fuzz.Mutating)
	for _, tc := range cases {
		if ctx.Err() != nil {
			return
		}
		w.runSingleInput(tc.Code, tc.State)
	}
}

// runSingleInput handles one candidate: execute, evaluate coverage, skip
// retention if too slow, otherwise apply the two-channel retention rule
// and handle a crash outcome.
func (w *Worker) runSingleInput(source, programIR string) {
	if source == "" {
		return
	}

	w.setState(fuzz.Executing)
	start := time.Now()
	code := w.Adapter.ExecuteScript(w.ID, source, w.TimeoutMS, false)
	elapsed := time.Since(start)
	if w.Telemetry != nil {
		w.Telemetry.AddExecution()
	}

	outcome := fuzz.ClassifyExitCode(w.Adapter.Profile(), code)

	w.setState(fuzz.CoverageCheck)
	// CovEvaluate marks newly-seen edges in the persistent bitmap as a
	// side effect; no Reset/Mark pair belongs here — those only wrap the
	// verifier's own repeated re-execution of a single candidate.
	_, newCov := w.Adapter.CovEvaluate(w.ID)

	if elapsed < slowExecutionThreshold {
		w.applyRetention(source, programIR, newCov)
	}

	w.handleOutcome(outcome, source, programIR)
}

func (w *Worker) applyRetention(source, programIR string, newCov int) {
	hasNewCoverage := newCov > 0
	keep, novel, analysis := w.Corpus.ShouldKeepEntry(source, w.ID, hasNewCoverage)
	if !keep {
		return
	}

	if hasNewCoverage {
		if w.Telemetry != nil {
			w.Telemetry.AddNewCoverage(int64(newCov))
			w.Telemetry.AddCorpusAdmitted()
		}
		entry := w.Corpus.AddEntry(programIR, source)
		w.Corpus.UpdateEntrySuccess(entry.Index, uint64(newCov))
		w.sendOrPersist(protocol.WorkerMessage{
			Kind: protocol.WorkerNewCorpus, ProgramIR: programIR, Source: source,
			Pass: protocol.PassCoverage, WorkerID: w.ID,
		})
		return
	}

	// Kept solely on bytecode novelty: add locally and send to master
	// tagged BytecodeNovelty.
	w.Corpus.AddBytecodeNovelEntry(programIR, source, analysis)
	if w.Telemetry != nil {
		w.Telemetry.AddCorpusAdmitted()
	}
	w.sendOrPersist(protocol.WorkerMessage{
		Kind: protocol.WorkerNewCorpus, ProgramIR: programIR, Source: source,
		Pass: protocol.PassBytecodeNovelty, WorkerID: w.ID,
	})
	_ = novel
}

func (w *Worker) handleOutcome(outcome fuzz.Outcome, source, programIR string) {
	switch outcome {
	case fuzz.Crash:
		if w.Telemetry != nil {
			w.Telemetry.AddCrash()
		}
		w.setState(fuzz.SavingCrash)
		if err := w.persist("crashes", source); err != nil {
			w.logf("save crash locally: %v", err)
		}
		select {
		case w.ToMaster <- (protocol.WorkerMessage{
			Kind: protocol.WorkerCrash, ProgramIR: programIR, Source: source, WorkerID: w.ID,
		}):
		default:
			w.logf("failed to forward crash to master, already persisted locally")
		}
	case fuzz.Timeout:
		if w.Telemetry != nil {
			w.Telemetry.AddTimeout()
		}
	case fuzz.Error:
		if w.Telemetry != nil {
			w.Telemetry.AddError()
		}
	}
}

// sendOrPersist forwards msg to the master over a non-blocking send; a full
// channel (the master is behind) falls back to local persistence under
// corpus/ and corpus_ir/.
func (w *Worker) sendOrPersist(msg protocol.WorkerMessage) {
	select {
	case w.ToMaster <- msg:
		return
	default:
	}
	if err := w.persist("corpus", msg.Source); err != nil {
		w.logf("persist corpus locally: %v", err)
	}
	if err := w.persistIR("corpus_ir", msg.ProgramIR); err != nil {
		w.logf("persist corpus IR locally: %v", err)
	}
}

// drainMasterBroadcasts re-executes every pending MasterMessage::NewCorpus
// locally for confirmation before admitting it; workers never trust
// remote coverage claims blindly.
func (w *Worker) drainMasterBroadcasts(ctx context.Context) {
	for {
		select {
		case msg, ok := <-w.FromMaster:
			if !ok {
				return
			}
			w.confirmBroadcast(msg)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) confirmBroadcast(msg protocol.MasterMessage) {
	if msg.Kind != protocol.MasterNewCorpus {
		return
	}

	w.setState(fuzz.Executing)
	start := time.Now()
	w.Adapter.ExecuteScript(w.ID, msg.Source, w.TimeoutMS, false)
	if time.Since(start) >= slowExecutionThreshold {
		return
	}

	w.setState(fuzz.CoverageCheck)
	_, newCov := w.Adapter.CovEvaluate(w.ID)
	if newCov > 0 {
		entry := w.Corpus.AddEntry(msg.ProgramIR, msg.Source)
		w.Corpus.UpdateEntrySuccess(entry.Index, uint64(newCov))
	}
}

func (w *Worker) setState(s fuzz.WorkerState) {
	if w.Status != nil {
		w.Status.SetState(w.ID, s)
	}
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.Log != nil {
		w.Log.Errorf(format, args...)
	}
}

// persist writes source under <output_dir>/<dir>/<worker_id>_<uuid>_<ts>.js.
func (w *Worker) persist(dir, source string) error {
	path := filepath.Join(w.OutputDir, dir, w.filename()+".js")
	return os.WriteFile(path, []byte(source), 0o644)
}

// persistIR writes programIR under <output_dir>/<dir>/<worker_id>_<uuid>_<ts>.json.
func (w *Worker) persistIR(dir, programIR string) error {
	path := filepath.Join(w.OutputDir, dir, w.filename()+".json")
	return os.WriteFile(path, []byte(programIR), 0o644)
}

func (w *Worker) filename() string {
	return fmt.Sprintf("%d_%s_%s", w.ID, uuid.New().String()[:8], time.Now().Format("20060102_150405"))
}
