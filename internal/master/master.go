// Package master implements the single fuzzing coordinator: validation,
// minimization, distribution, crash persistence, remote ingest, and
// worker liveness tracking.
package master

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fluxfuzzer/jsfuzz/internal/coverage"
	"github.com/fluxfuzzer/jsfuzz/internal/generator"
	"github.com/fluxfuzzer/jsfuzz/internal/logging"
	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

const (
	maxConsecutiveDisconnections = 10
	pollIdleBackoff              = 100 * time.Millisecond
	remoteIngestMaxBytes         = 100 * 1024
	maintainThresholdEdges       = 0.8

	// maxCandidatePoolSize bounds the ants.Pool used to fan minimization
	// candidates out concurrently; minimization batches are small (a
	// handful of progressively smaller rewrites) so there is no benefit
	// to a larger pool.
	maxCandidatePoolSize = 4

	// scratchIDBase keeps concurrently-spawned scratch replica IDs well
	// clear of any real worker or master replica ID.
	scratchIDBase = 1_000_000
)

// Minimizer requests progressively smaller (ir, source) candidates for a
// program that has already demonstrated new coverage. In production it is
// GeneratorMinimizer, an adapter over generator.Generator; a dedicated fake
// backs tests.
type Minimizer interface {
	Minimize(ctx context.Context, programIR, source string) ([]MinimizedCandidate, error)
}

type MinimizedCandidate struct {
	ProgramIR string
	Source    string
}

// GeneratorMinimizer adapts a generator.Generator to the Minimizer
// interface by reusing its generate request with a small statement-count
// range, since minimization is carried over the same IPC protocol rather
// than a dedicated wire format. The program being minimized is not sent to
// the generator: the candidates are fresh small programs, not reductions
// of it, and only the maintain-coverage check ties them to the original.
type GeneratorMinimizer struct {
	Gen       generator.Generator
	OutputDir string
}

func (g *GeneratorMinimizer) Minimize(ctx context.Context, programIR, source string) ([]MinimizedCandidate, error) {
	spec := generator.BatchSpec{Count: 5, MinStatements: 1, MaxStatements: 5, OutputDir: g.OutputDir}
	cases, err := g.Gen.Request(ctx, spec)
	if err != nil {
		return nil, err
	}
	candidates := make([]MinimizedCandidate, 0, len(cases))
	for _, c := range cases {
		candidates = append(candidates, MinimizedCandidate{ProgramIR: c.State, Source: c.Code})
	}
	return candidates, nil
}

// Master owns the N-th coverage replica (worker id N, distinct from every
// fuzzing worker's id) and the master's own corpus.
type Master struct {
	ID int

	Adapter   coverage.ProfiledAdapter
	Corpus    *coverage.CorpusManager
	Minimizer Minimizer

	// ScratchAdapter, when set, builds a fresh, fully-initialized adapter
	// replica for a given replica ID. The minimizer uses it to check
	// several candidates concurrently instead of walking them one at a
	// time against the master's own replica. Nil disables the concurrent
	// path and falls back to sequential checking against m.Adapter.
	ScratchAdapter func(replicaID int) (coverage.ProfiledAdapter, error)

	FromWorkers []<-chan protocol.WorkerMessage
	ToWorkers   []chan<- protocol.MasterMessage

	OutputDir   string
	TimeoutMS   int
	RemoteEvery time.Duration

	Telemetry *telemetry.Counters
	Status    *telemetry.Registry

	Log *logging.Logger

	consecutiveDisconnects int
	lastRemoteScan         time.Time
	scratchCounter         int64
}

// Run polls every worker channel round-robin, never blocking on any single
// one, and periodically scans remote_corpus/ for
// externally-ingested candidates. Returns when ctx is cancelled or too many
// workers disconnect in a row.
func (m *Master) Run(ctx context.Context) error {
	if m.TimeoutMS == 0 {
		m.TimeoutMS = 500
	}
	if m.RemoteEvery == 0 {
		m.RemoteEvery = time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		anyMessage := m.pollWorkersOnce(ctx)
		if m.consecutiveDisconnects >= maxConsecutiveDisconnections {
			m.logf("too many disconnected workers, shutting down")
			return fmt.Errorf("master: %d consecutive worker disconnections", m.consecutiveDisconnects)
		}

		if time.Since(m.lastRemoteScan) >= m.RemoteEvery {
			if err := m.checkRemoteCorpus(ctx); err != nil {
				m.logf("remote ingest: %v", err)
			}
			m.lastRemoteScan = time.Now()
		}

		if !anyMessage {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollIdleBackoff):
			}
		}
	}
}

// pollWorkersOnce performs one hand-rolled round-robin pass over every
// worker channel with a non-blocking per-channel select — a reflect.Select
// over N channels would cost O(n) per poll for no benefit at this worker
// count, and would still only drain one ready channel per call. Returns
// whether any message was processed.
func (m *Master) pollWorkersOnce(ctx context.Context) bool {
	processed := false
	for workerID, ch := range m.FromWorkers {
		select {
		case msg, ok := <-ch:
			if !ok {
				m.consecutiveDisconnects++
				m.logf("worker %d disconnected", workerID)
				continue
			}
			m.consecutiveDisconnects = 0
			processed = true
			m.handleWorkerMessage(ctx, workerID, msg)
		default:
		}
	}
	return processed
}

func (m *Master) handleWorkerMessage(ctx context.Context, workerID int, msg protocol.WorkerMessage) {
	switch msg.Kind {
	case protocol.WorkerCrash:
		m.logf("crash from worker %d", workerID)
		if err := m.persist("crashes", msg.Source, ""); err != nil {
			m.logf("persist crash: %v", err)
		}
	case protocol.WorkerNewCorpus:
		m.validateAndDistribute(ctx, msg.ProgramIR, msg.Source, msg.Pass.String())
	}
}

// validateAndDistribute implements the Validation, Minimization and
// Distribution responsibilities.
func (m *Master) validateAndDistribute(ctx context.Context, programIR, source, pass string) {
	if source == "" || len(programIR) > remoteIngestMaxBytes {
		return
	}

	m.setState(fuzz.Executing)
	code := m.Adapter.ExecuteScript(m.ID, source, m.TimeoutMS, false)
	outcome := fuzz.ClassifyExitCode(m.Adapter.Profile(), code)

	m.setState(fuzz.CoverageCheck)
	expected, newCov := m.Adapter.CovEvaluate(m.ID)
	if newCov == 0 {
		return // no new coverage observed, drop the candidate.
	}
	if m.Telemetry != nil {
		m.Telemetry.AddNewCoverage(int64(newCov))
	}
	_ = outcome

	finalIR, finalSource, minimized := m.minimize(ctx, programIR, source, expected)
	m.distribute(finalIR, finalSource, newCov, pass, minimized)
}

// minimize implements the Minimization responsibility: request progressively
// smaller candidates, sort by source length ascending, and keep the first
// that maintains at least 80% of expected coverage.
func (m *Master) minimize(ctx context.Context, programIR, source string, expected coverage.EdgeSet) (finalIR, finalSource string, minimized bool) {
	if m.Minimizer == nil {
		return programIR, source, false
	}

	m.setState(fuzz.Minimizing)
	candidates, err := m.Minimizer.Minimize(ctx, programIR, source)
	if err != nil || len(candidates) == 0 {
		return programIR, source, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].Source) < len(candidates[j].Source)
	})

	m.setState(fuzz.Maintaining)

	if m.ScratchAdapter != nil && len(candidates) > 1 {
		if idx, ok := m.maintainConcurrently(candidates, expected); ok {
			return candidates[idx].ProgramIR, candidates[idx].Source, true
		}
		return programIR, source, false
	}

	coverage.Reset(m.Adapter, m.ID, expected)
	defer coverage.Mark(m.Adapter, m.ID, expected)

	for _, c := range candidates {
		if c.Source == "" {
			continue
		}
		maintained, _ := coverage.MaintainCoverageWithMutatedEdges(m.Adapter, m.ID, c.Source, m.TimeoutMS, expected)
		if maintained {
			return c.ProgramIR, c.Source, true
		}
	}
	return programIR, source, false
}

// maintainConcurrently checks every candidate's maintained-coverage
// property in parallel, each against its own scratch replica via
// ScratchAdapter, and returns the index of the first (smallest, since
// candidates is already sorted ascending by size) candidate that
// maintained coverage.
func (m *Master) maintainConcurrently(candidates []MinimizedCandidate, expected coverage.EdgeSet) (int, bool) {
	poolSize := len(candidates)
	if poolSize > maxCandidatePoolSize {
		poolSize = maxCandidatePoolSize
	}
	pool, err := coverage.NewCandidatePool(poolSize)
	if err != nil {
		m.logf("candidate pool: %v", err)
		return 0, false
	}
	defer pool.Release()

	results := make([]bool, len(candidates))
	for i, c := range candidates {
		i, c := i, c
		if c.Source == "" {
			continue
		}
		if err := pool.Submit(func() { results[i] = m.maintainOnScratch(c, expected) }); err != nil {
			m.logf("submit minimization candidate %d: %v", i, err)
		}
	}
	pool.Wait()

	for i, ok := range results {
		if ok {
			return i, true
		}
	}
	return 0, false
}

func (m *Master) maintainOnScratch(c MinimizedCandidate, expected coverage.EdgeSet) bool {
	replicaID := int(atomic.AddInt64(&m.scratchCounter, 1)) + scratchIDBase
	adapter, err := m.ScratchAdapter(replicaID)
	if err != nil {
		m.logf("spawn scratch replica %d: %v", replicaID, err)
		return false
	}
	defer adapter.Cleanup(replicaID)
	defer adapter.DestroyContext(replicaID)

	coverage.Reset(adapter, replicaID, expected)
	defer coverage.Mark(adapter, replicaID, expected)

	maintained, _ := coverage.MaintainCoverageWithMutatedEdges(adapter, replicaID, c.Source, m.TimeoutMS, expected)
	return maintained
}

// distribute writes the chosen pair to corpus/ and corpus_ir/, broadcasts it
// to every worker, and adds it to the master's own corpus.
func (m *Master) distribute(programIR, source string, newCov int, pass string, minimized bool) {
	name := m.filename(newCov, pass, minimized)
	if err := m.persist("corpus", source, name+".js"); err != nil {
		m.logf("persist corpus: %v", err)
	}
	if err := m.persist("corpus_ir", programIR, name+".json"); err != nil {
		m.logf("persist corpus IR: %v", err)
	}

	for i, ch := range m.ToWorkers {
		select {
		case ch <- (protocol.MasterMessage{Kind: protocol.MasterNewCorpus, ProgramIR: programIR, Source: source}):
		default:
			m.logf("failed to broadcast to worker %d, channel full", i)
		}
	}

	entry := m.Corpus.AddEntry(programIR, source)
	m.Corpus.UpdateEntrySuccess(entry.Index, uint64(newCov))
	if m.Telemetry != nil {
		m.Telemetry.AddCorpusAdmitted()
	}
}

// checkRemoteCorpus implements the Remote ingest responsibility: scan
// remote_corpus/ for .json IR files no larger than 100 KB, sorted smallest
// first, and run each through the same validate-minimize-distribute
// pipeline before deleting the file.
func (m *Master) checkRemoteCorpus(ctx context.Context) error {
	dir := filepath.Join(m.OutputDir, "remote_corpus")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}

	type sized struct {
		name string
		size int64
	}
	var files []sized
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > remoteIngestMaxBytes {
			continue
		}
		files = append(files, sized{e.Name(), info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].size < files[j].size })

	for _, f := range files {
		path := filepath.Join(dir, f.name)
		content, err := os.ReadFile(path)
		if err != nil {
			m.logf("read remote candidate %s: %v", f.name, err)
			continue
		}
		// Remote files carry only a program IR and no render-to-source
		// bridge is part of the generator protocol, so the file content is
		// treated as already-rendered source,
		// with the IR set identically. This is a documented simplification
		// of the original implementation's behavior, which left the
		// equivalent render step stubbed to an always-empty string and so
		// never actually distributed a remote candidate.
		m.validateAndDistribute(ctx, string(content), string(content), "remote")
		if err := os.Remove(path); err != nil {
			m.logf("remove processed remote candidate %s: %v", f.name, err)
		}
	}
	return nil
}

func (m *Master) persist(dir, content, name string) error {
	if name == "" {
		name = fmt.Sprintf("%d_%s.js", m.ID, time.Now().Format("20060102_150405"))
	}
	path := filepath.Join(m.OutputDir, dir, name)
	return os.WriteFile(path, []byte(content), 0o644)
}

// filename follows the convention:
// <master_id>_<new_cov>_<pass>[_min_]_<ts>_<uuid8>
// where uuid8 is the first 8 characters of a random UUID.
func (m *Master) filename(newCov int, pass string, minimized bool) string {
	suffix := ""
	if minimized {
		suffix = "_min_"
	}
	return fmt.Sprintf("%d_%d_%s%s_%s_%s", m.ID, newCov, pass, suffix,
		time.Now().Format("20060102_150405"), uuid.New().String()[:8])
}

func (m *Master) setState(s fuzz.WorkerState) {
	if m.Status != nil {
		m.Status.SetState(m.ID, s)
	}
}

func (m *Master) logf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log.Errorf(format, args...)
	}
}
