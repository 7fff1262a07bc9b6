package coverage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// statsDumpInterval is the selection count at which a fresh stats snapshot
// is written.
const statsDumpInterval = 10_000

// StatsSnapshot is the exact JSON shape written to
// stats/worker_<id>/stats_<n>.json and mirrored to latest_stats.json.
type StatsSnapshot struct {
	Timestamp      time.Time      `json:"timestamp"`
	WorkerID       int            `json:"worker_id"`
	SelectionCount uint64         `json:"selection_count"`
	Corpus         CorpusStats    `json:"corpus_stats"`
	Entries        EntryStatistics `json:"entry_statistics"`
}

type CorpusStats struct {
	Entries             int     `json:"entries"`
	DistinctEdges       int     `json:"distinct_edges"`
	LastNewCoverage     time.Time `json:"last_new_coverage"`
	MutationAttempts    uint64  `json:"mutation_attempts"`
	MutationSuccesses   uint64  `json:"mutation_successes"`
	MutationSuccessRate float64 `json:"mutation_success_rate"`
}

type EntryStatistics struct {
	SizeHistogram  []HistogramBucket `json:"size_histogram"`
	UsageHistogram []HistogramBucket `json:"usage_histogram"`
	Factors        FactorStats       `json:"factor_stats"`
	TopEntries     []TopEntry        `json:"top_entries"`
}

type HistogramBucket struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

type FactorStats struct {
	Performance MinAvgMax `json:"performance"`
	Size        MinAvgMax `json:"size"`
	Success     MinAvgMax `json:"success"`
	Coverage    MinAvgMax `json:"coverage"`
	Error       MinAvgMax `json:"error"`
	Timeout     MinAvgMax `json:"timeout"`
}

type MinAvgMax struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

type TopEntry struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
	Size  int     `json:"size"`
}

// MaybeDumpStats writes a snapshot if the manager's selection count has
// just crossed a multiple of statsDumpInterval, returning whether it did.
func (m *CorpusManager) MaybeDumpStats(workerID int, outputDir string) (bool, error) {
	count := m.SelectionCount()
	if count == 0 || count%statsDumpInterval != 0 {
		return false, nil
	}
	return true, m.DumpStatsToJSON(workerID, outputDir, count)
}

// DumpStatsToJSON writes the current snapshot unconditionally, mirrored to
// latest_stats.json.
func (m *CorpusManager) DumpStatsToJSON(workerID int, outputDir string, counter uint64) error {
	snapshot := m.buildSnapshot(workerID)

	dir := filepath.Join(outputDir, "stats", fmt.Sprintf("worker_%d", workerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	named := filepath.Join(dir, fmt.Sprintf("stats_%d.json", counter))
	if err := os.WriteFile(named, data, 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	latest := filepath.Join(dir, "latest_stats.json")
	return os.WriteFile(latest, data, 0o644)
}

func (m *CorpusManager) buildSnapshot(workerID int) StatsSnapshot {
	entries := m.Entries()
	attempts, successes := m.MutationStats()

	rate := 0.0
	if attempts > 0 {
		rate = float64(successes) / float64(attempts)
	}

	return StatsSnapshot{
		Timestamp:      time.Now(),
		WorkerID:       workerID,
		SelectionCount: m.SelectionCount(),
		Corpus: CorpusStats{
			Entries:             len(entries),
			DistinctEdges:       m.DistinctEdges(),
			LastNewCoverage:     m.LastNewCoverage(),
			MutationAttempts:    attempts,
			MutationSuccesses:   successes,
			MutationSuccessRate: rate,
		},
		Entries: calculateEntryStatistics(entries),
	}
}

func calculateEntryStatistics(entries []*CorpusEntry) EntryStatistics {
	return EntryStatistics{
		SizeHistogram:  calculateSizeDistribution(entries),
		UsageHistogram: calculateUsageDistribution(entries),
		Factors:        calculateFactorStats(entries),
		TopEntries:     getTopEntries(entries, 5),
	}
}

func calculateSizeDistribution(entries []*CorpusEntry) []HistogramBucket {
	if len(entries) == 0 {
		return nil
	}
	sizes := make([]float64, len(entries))
	minV, maxV := float64(len(entries[0].Source)), float64(len(entries[0].Source))
	for i, e := range entries {
		s := float64(len(e.Source))
		sizes[i] = s
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
	}
	return calculateHistogram(sizes, minV, maxV, 5)
}

func calculateUsageDistribution(entries []*CorpusEntry) []HistogramBucket {
	if len(entries) == 0 {
		return nil
	}
	usages := make([]float64, len(entries))
	maxV := 0.0
	for i, e := range entries {
		u := float64(e.TimesUsed)
		usages[i] = u
		if u > maxV {
			maxV = u
		}
	}
	return calculateHistogram(usages, 0, maxV, 10)
}

// calculateHistogram buckets values into n equal-width buckets over
// [minV, maxV]. A degenerate [minV, maxV] (minV==maxV) places everything in
// a single bucket.
func calculateHistogram(values []float64, minV, maxV float64, n int) []HistogramBucket {
	buckets := make([]HistogramBucket, n)
	width := (maxV - minV) / float64(n)
	for i := range buckets {
		buckets[i].Min = minV + width*float64(i)
		buckets[i].Max = minV + width*float64(i+1)
	}
	if width <= 0 {
		buckets[0].Count = len(values)
		return buckets
	}
	for _, v := range values {
		idx := int((v - minV) / width)
		if idx >= n {
			idx = n - 1
		}
		if idx < 0 {
			idx = 0
		}
		buckets[idx].Count++
	}
	return buckets
}

func calculateFactorStats(entries []*CorpusEntry) FactorStats {
	if len(entries) == 0 {
		return FactorStats{}
	}
	perf := make([]float64, len(entries))
	size := make([]float64, len(entries))
	success := make([]float64, len(entries))
	cov := make([]float64, len(entries))
	errs := make([]float64, len(entries))
	tmo := make([]float64, len(entries))

	for i, e := range entries {
		perf[i] = e.PerformanceScore
		size[i] = float64(len(e.Source))
		success[i] = float64(e.SuccessCount)
		cov[i] = float64(e.CoverageFound)
		errs[i] = float64(e.ErrorCount)
		tmo[i] = float64(e.TimeoutCount)
	}

	return FactorStats{
		Performance: minAvgMax(perf),
		Size:        minAvgMax(size),
		Success:     minAvgMax(success),
		Coverage:    minAvgMax(cov),
		Error:       minAvgMax(errs),
		Timeout:     minAvgMax(tmo),
	}
}

func minAvgMax(values []float64) MinAvgMax {
	if len(values) == 0 {
		return MinAvgMax{}
	}
	minV, maxV, sum := values[0], values[0], 0.0
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		sum += v
	}
	return MinAvgMax{Min: minV, Max: maxV, Avg: sum / float64(len(values))}
}

func getTopEntries(entries []*CorpusEntry, n int) []TopEntry {
	type scored struct {
		e *CorpusEntry
		s float64
	}
	ranked := make([]scored, len(entries))
	for i, e := range entries {
		ranked[i] = scored{e, e.Score()}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].s > ranked[j].s })

	if n > len(ranked) {
		n = len(ranked)
	}
	top := make([]TopEntry, n)
	for i := 0; i < n; i++ {
		top[i] = TopEntry{
			Index: ranked[i].e.Index,
			Score: ranked[i].s,
			Size:  len(ranked[i].e.Source),
		}
	}
	return top
}
