package coverage

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// CandidatePool runs the re-execution of several distinct minimization
// candidates concurrently, each against its own scratch adapter replica.
// It never parallelizes the stabilization loop inside a single candidate's
// own check — ExtractTestcaseCoverage and MaintainCoverageWithMutatedEdges
// stay sequential there by design, since each run depends on the virgin
// bitmap state the previous run left behind.
type CandidatePool struct {
	pool *ants.Pool
	wg   sync.WaitGroup
}

func NewCandidatePool(size int) (*CandidatePool, error) {
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &CandidatePool{pool: pool}, nil
}

func (p *CandidatePool) Submit(task func()) error {
	p.wg.Add(1)
	return p.pool.Submit(func() {
		defer p.wg.Done()
		task()
	})
}

func (p *CandidatePool) Wait() {
	p.wg.Wait()
}

func (p *CandidatePool) Release() {
	p.pool.Release()
}
