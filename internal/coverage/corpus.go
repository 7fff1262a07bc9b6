package coverage

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fluxfuzzer/jsfuzz/internal/bytecode"
)

// seedFileMaxBytes bounds which seed corpus files are loaded at startup;
// files larger than this are skipped rather than stalling every worker's
// clone on one oversized seed.
const seedFileMaxBytes = 100 * 1024

// CorpusEntry is a candidate program plus its bookkeeping. Index is fixed at
// insertion time and is not stable across pruning.
type CorpusEntry struct {
	Index int

	ProgramIR string
	Source    string

	TimesUsed    uint64
	SuccessCount uint64
	ErrorCount   uint64
	TimeoutCount uint64

	CoverageFound     uint64
	PerformanceScore  float64
	LastCoverageFound time.Time
	LastUsed          time.Time
	CreationTime      time.Time

	FeatureFrequency map[uint32]uint64

	BytecodeAnalysis *bytecode.Analysis
	HasNovelBytecode bool
}

func newCorpusEntry(index int, programIR, source string) *CorpusEntry {
	now := time.Now()
	return &CorpusEntry{
		Index:            index,
		ProgramIR:        programIR,
		Source:           source,
		PerformanceScore: 1.0,
		CreationTime:     now,
		LastUsed:         now,
		FeatureFrequency: make(map[uint32]uint64),
	}
}

// scoring constants, exact values from the corpus scoring formula.
const (
	sizeDecay        = 0.001
	successBoost     = 0.2
	coverageBoost    = 0.1
	errorPenaltyRate = 0.3
	timeoutPenalty   = 0.4
	usagePenalty     = 0.2

	perfDecayError   = 0.95
	perfDecayTimeout = 0.90
)

// Score computes score = perf · size_f · success_f · cov_f · err_pen ·
// tmo_pen · use_pen.
func (e *CorpusEntry) Score() float64 {
	sizeF := 1.0 / (1.0 + sizeDecay*float64(len(e.Source)))
	successF := 1.0 + successBoost*float64(e.SuccessCount)
	covF := 1.0 + coverageBoost*float64(e.CoverageFound)
	errPen := 1.0 / (1.0 + errorPenaltyRate*float64(e.ErrorCount))
	tmoPen := 1.0 / (1.0 + timeoutPenalty*float64(e.TimeoutCount))
	usePen := 1.0 / (1.0 + usagePenalty*float64(e.TimesUsed))

	return e.PerformanceScore * sizeF * successF * covF * errPen * tmoPen * usePen
}

// CorpusManager owns an ordered sequence of CorpusEntry, a global edge-hit
// histogram, and the retention/selection/stats machinery. One instance
// exists per worker and one for the master; the master's is cloned to
// each worker at startup.
type CorpusManager struct {
	mu sync.RWMutex

	entries         []*CorpusEntry
	totalCoverage   map[uint32]uint64
	lastNewCoverage time.Time

	selectionCount    uint64
	mutationAttempts  uint64
	mutationSuccesses uint64

	bytecodeCollector bytecode.Collector

	// maxBytecodeNovelEntries bounds how many bytecode-novelty-only
	// entries (no edge coverage of their own) the manager retains, to
	// keep that admission channel from growing unbounded.
	maxBytecodeNovelEntries int

	rng randSource

	outputDir string
}

// randSource is the subset of *rand.Rand's API the manager needs; tests
// inject a fixed-value implementation to make weighted selection
// deterministic.
type randSource interface {
	Float64() float64
	Intn(n int) int
}

type CorpusManagerOption func(*CorpusManager)

// WithRand injects a deterministic random source, used by tests that need
// reproducible weighted selection.
func WithRand(r randSource) CorpusManagerOption {
	return func(m *CorpusManager) { m.rng = r }
}

func WithBytecodeCollector(c bytecode.Collector) CorpusManagerOption {
	return func(m *CorpusManager) { m.bytecodeCollector = c }
}

func WithMaxBytecodeNovelEntries(n int) CorpusManagerOption {
	return func(m *CorpusManager) { m.maxBytecodeNovelEntries = n }
}

func WithOutputDir(dir string) CorpusManagerOption {
	return func(m *CorpusManager) { m.outputDir = dir }
}

const defaultMaxBytecodeNovelEntries = 2000

func NewCorpusManager(opts ...CorpusManagerOption) *CorpusManager {
	m := &CorpusManager{
		totalCoverage:           make(map[uint32]uint64),
		lastNewCoverage:         time.Now(),
		maxBytecodeNovelEntries: defaultMaxBytecodeNovelEntries,
		rng:                     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddEntry appends a new entry, assigning it the next dense index. Callers
// may trim; there is no size cap enforced here.
func (m *CorpusManager) AddEntry(programIR, source string) *CorpusEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := newCorpusEntry(len(m.entries), programIR, source)
	m.entries = append(m.entries, entry)
	return entry
}

func (m *CorpusManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *CorpusManager) Entry(index int) (*CorpusEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.entries) {
		return nil, false
	}
	return m.entries[index], true
}

// SelectNextInput performs a weighted reservoir draw over entry scores:
// r is drawn uniformly from [0, sum(score)), then entries are walked,
// subtracting score from r until r <= 0. Returns false iff the corpus is
// empty or every score is zero. The selected entry's TimesUsed is
// incremented as a side effect.
func (m *CorpusManager) SelectNextInput() (*CorpusEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	scores := make([]float64, len(m.entries))
	for i, e := range m.entries {
		scores[i] = e.Score()
		total += scores[i]
	}
	if len(m.entries) == 0 || total <= 0 {
		return nil, false
	}

	r := m.rng.Float64() * total
	for i, e := range m.entries {
		r -= scores[i]
		if r <= 0 {
			e.TimesUsed++
			m.selectionCount++
			return e, true
		}
	}
	// Floating point rounding may leave r fractionally positive after the
	// loop; fall back to the last entry rather than reporting failure.
	last := m.entries[len(m.entries)-1]
	last.TimesUsed++
	m.selectionCount++
	return last, true
}

// SelectRandomInput is a uniform-random diversification selector, distinct
// from the weighted SelectNextInput.
func (m *CorpusManager) SelectRandomInput() (*CorpusEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, false
	}
	return m.entries[m.rng.Intn(len(m.entries))], true
}

// GetRandomProgramIR returns a random entry's IR, or the empty string if
// the corpus is empty.
func (m *CorpusManager) GetRandomProgramIR() string {
	e, ok := m.SelectRandomInput()
	if !ok {
		return ""
	}
	return e.ProgramIR
}

// UpdateEntrySuccess increments SuccessCount, adds newCov to CoverageFound,
// refreshes LastCoverageFound and the manager's last-new-coverage time, and
// stores newCov in the manager's coverage histogram under the entry's
// index (replacing any earlier value for that index).
func (m *CorpusManager) UpdateEntrySuccess(index int, newCov uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.entries) {
		return
	}
	e := m.entries[index]
	e.SuccessCount++
	e.CoverageFound += newCov
	now := time.Now()
	e.LastCoverageFound = now
	m.lastNewCoverage = now
	m.totalCoverage[uint32(index)] = newCov
}

func (m *CorpusManager) UpdateEntryError(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.entries) {
		return
	}
	e := m.entries[index]
	e.ErrorCount++
	e.LastUsed = time.Now()
	e.PerformanceScore *= perfDecayError
	m.mutationAttempts++
}

func (m *CorpusManager) UpdateEntryTimeout(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.entries) {
		return
	}
	e := m.entries[index]
	e.TimeoutCount++
	e.LastUsed = time.Now()
	e.PerformanceScore *= perfDecayTimeout
	m.mutationAttempts++
}

// UpdateFeatureFrequency merges per-edge hit counts into an entry's
// frequency map.
func (m *CorpusManager) UpdateFeatureFrequency(index int, features []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.entries) {
		return
	}
	freq := m.entries[index].FeatureFrequency
	for _, f := range features {
		freq[f]++
	}
}

// RecordMutationResult updates the manager's global mutation counters,
// feeding the stats dump's cumulative success rate.
func (m *CorpusManager) RecordMutationResult(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutationAttempts++
	if success {
		m.mutationSuccesses++
	}
}

// ShouldKeepEntry implements the two-channel retention decision: coverage
// OR bytecode novelty. When neither applies, the entry is discarded.
func (m *CorpusManager) ShouldKeepEntry(source string, workerID int, hasNewCoverage bool) (keep bool, novel bool, analysis *bytecode.Analysis) {
	if hasNewCoverage {
		return true, false, nil
	}
	if m.bytecodeCollector == nil {
		return false, false, nil
	}
	a, isNovel := m.bytecodeCollector.Analyze(source, workerID)
	if !isNovel {
		return false, false, a
	}
	return true, true, a
}

// AddBytecodeNovelEntry inserts an entry admitted solely through the
// bytecode-novelty channel, enforcing maxBytecodeNovelEntries by evicting
// the lowest-scoring bytecode-novelty-only entry when at capacity.
// Coverage-bearing entries are never evicted by this path.
func (m *CorpusManager) AddBytecodeNovelEntry(programIR, source string, analysis *bytecode.Analysis) *CorpusEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	novelCount := 0
	worstIdx, worstScore := -1, 0.0
	for i, e := range m.entries {
		if e.HasNovelBytecode && e.CoverageFound == 0 {
			novelCount++
			s := e.Score()
			if worstIdx == -1 || s < worstScore {
				worstIdx, worstScore = i, s
			}
		}
	}

	if m.maxBytecodeNovelEntries > 0 && novelCount >= m.maxBytecodeNovelEntries && worstIdx != -1 {
		m.entries = append(m.entries[:worstIdx], m.entries[worstIdx+1:]...)
		for i := worstIdx; i < len(m.entries); i++ {
			m.entries[i].Index = i
		}
	}

	entry := newCorpusEntry(len(m.entries), programIR, source)
	entry.HasNovelBytecode = true
	entry.BytecodeAnalysis = analysis
	m.entries = append(m.entries, entry)
	return entry
}

// ShouldReseed reports whole-corpus stagnation: fewer than 10 entries, or
// no new coverage for 10 minutes.
func (m *CorpusManager) ShouldReseed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) < 10 {
		return true
	}
	return time.Since(m.lastNewCoverage) >= 10*time.Minute
}

// Clone deep-copies every entry into a fresh CorpusManager sharing no
// backing storage, used to hand each worker its own copy of the master's
// seed corpus at startup.
func (m *CorpusManager) Clone(opts ...CorpusManagerOption) *CorpusManager {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clone := NewCorpusManager(opts...)
	for _, e := range m.entries {
		copied := *e
		copied.FeatureFrequency = make(map[uint32]uint64, len(e.FeatureFrequency))
		for k, v := range e.FeatureFrequency {
			copied.FeatureFrequency[k] = v
		}
		clone.entries = append(clone.entries, &copied)
	}
	for k, v := range m.totalCoverage {
		clone.totalCoverage[k] = v
	}
	clone.lastNewCoverage = m.lastNewCoverage
	return clone
}

// LoadSeedDirectory reads every regular file under dir no larger than
// seedFileMaxBytes, smallest first, and adds one entry per file with its
// content as both ProgramIR and Source (seed files carry no separate IR
// format, the same simplification checkRemoteCorpus makes for remote
// candidates). Returns the number of entries added. A missing directory
// is not an error: a fresh corpus_dir before any seeds are dropped in is
// a valid starting state.
func (m *CorpusManager) LoadSeedDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type sized struct {
		name string
		size int64
	}
	var files []sized
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > seedFileMaxBytes {
			continue
		}
		files = append(files, sized{e.Name(), info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].size < files[j].size })

	loaded := 0
	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			continue
		}
		m.AddEntry(string(content), string(content))
		loaded++
	}
	return loaded, nil
}

// Entries returns a shallow copy of the entry slice, for callers (such as
// the stats dump) that need to range over the corpus without holding the
// manager's lock.
func (m *CorpusManager) Entries() []*CorpusEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CorpusEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *CorpusManager) DistinctEdges() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.totalCoverage)
}

func (m *CorpusManager) SelectionCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectionCount
}

func (m *CorpusManager) LastNewCoverage() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastNewCoverage
}

func (m *CorpusManager) MutationStats() (attempts, successes uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mutationAttempts, m.mutationSuccesses
}
