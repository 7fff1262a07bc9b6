// Package bytecode implements the novelty-detection channel the corpus
// manager consults when an input lights no new coverage edge: a candidate
// is still worth keeping if the compiler produced a bytecode shape unlike
// anything seen before. The core treats this as fully opaque: it stores
// whatever *Analysis a Collector returns and asks only for the boolean.
package bytecode

import (
	"sync"

	"github.com/glaslos/tlsh"
)

// Analysis is the opaque handle a Collector attaches to a CorpusEntry. The
// core never inspects its fields.
type Analysis struct {
	Hash     string
	WorkerID int
}

// Stats summarizes a collector's population.
type Stats struct {
	Patterns      int
	Instructions  int
	Functions     int
	TotalAnalyses int
}

// Collector is the abstract novelty detector. Analyze returns an opaque
// analysis handle and whether it represents an unseen pattern.
type Collector interface {
	Analyze(source string, workerID int) (*Analysis, bool)
	Stats() Stats
}

// TLSHCollector approximates bytecode-pattern novelty via fuzzy hashing of
// the source text: programs that compile to similar bytecode tend to share
// surface structure, so a TLSH distance comparison against a bounded
// population of previously-seen hashes stands in for true bytecode
// inspection, which the target engine's internals are not exposed for
// (the core only ever receives an opaque handle regardless).
type TLSHCollector struct {
	mu        sync.Mutex
	threshold int
	population []*tlsh.TLSH
	maxPop    int

	totalAnalyses int
}

type TLSHCollectorOption func(*TLSHCollector)

func WithThreshold(d int) TLSHCollectorOption {
	return func(c *TLSHCollector) { c.threshold = d }
}

func WithMaxPopulation(n int) TLSHCollectorOption {
	return func(c *TLSHCollector) { c.maxPop = n }
}

const (
	defaultThreshold     = 30 // TLSH distance at or below which two hashes count as the same pattern
	defaultMaxPopulation = 5000
	minHashableBytes     = 50
)

func NewTLSHCollector(opts ...TLSHCollectorOption) *TLSHCollector {
	c := &TLSHCollector{
		threshold: defaultThreshold,
		maxPop:    defaultMaxPopulation,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze hashes source and compares it against every stored population
// member. A source too small for TLSH (< 50 bytes) is treated as novel
// unconditionally — short programs are common early in a run and
// under-represented populations should not suppress them.
func (c *TLSHCollector) Analyze(source string, workerID int) (*Analysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalAnalyses++

	if len(source) < minHashableBytes {
		return &Analysis{WorkerID: workerID}, true
	}

	h, err := tlsh.HashBytes([]byte(source))
	if err != nil {
		return &Analysis{WorkerID: workerID}, true
	}

	novel := true
	for _, existing := range c.population {
		if h.Diff(existing) <= c.threshold {
			novel = false
			break
		}
	}

	if novel {
		if len(c.population) >= c.maxPop {
			c.population = c.population[1:]
		}
		c.population = append(c.population, h)
	}

	return &Analysis{Hash: h.String(), WorkerID: workerID}, novel
}

func (c *TLSHCollector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Patterns:      len(c.population),
		TotalAnalyses: c.totalAnalyses,
	}
}
