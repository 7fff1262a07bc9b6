// Package telemetry holds process-wide fuzzing counters and the per-worker
// liveness table that the master, the status display, and the network
// coordinator all read. Counters are updated with atomics rather than a
// mutex so a busy worker never blocks on a stats read.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

// Counters are the global, cross-worker fuzzing totals.
type Counters struct {
	Executions     int64
	Crashes        int64
	Timeouts       int64
	Errors         int64
	NewCoverage    int64
	CorpusAdmitted int64
}

func (c *Counters) AddExecution()     { atomic.AddInt64(&c.Executions, 1) }
func (c *Counters) AddCrash()         { atomic.AddInt64(&c.Crashes, 1) }
func (c *Counters) AddTimeout()       { atomic.AddInt64(&c.Timeouts, 1) }
func (c *Counters) AddError()         { atomic.AddInt64(&c.Errors, 1) }
func (c *Counters) AddNewCoverage(n int64) {
	atomic.AddInt64(&c.NewCoverage, n)
}
func (c *Counters) AddCorpusAdmitted() { atomic.AddInt64(&c.CorpusAdmitted, 1) }

// Snapshot is a consistent-enough (not transactionally consistent across
// fields) point-in-time read.
type Snapshot struct {
	Executions     int64
	Crashes        int64
	Timeouts       int64
	Errors         int64
	NewCoverage    int64
	CorpusAdmitted int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Executions:     atomic.LoadInt64(&c.Executions),
		Crashes:        atomic.LoadInt64(&c.Crashes),
		Timeouts:       atomic.LoadInt64(&c.Timeouts),
		Errors:         atomic.LoadInt64(&c.Errors),
		NewCoverage:    atomic.LoadInt64(&c.NewCoverage),
		CorpusAdmitted: atomic.LoadInt64(&c.CorpusAdmitted),
	}
}

// Registry tracks per-worker liveness. A mutex guards the map itself (map
// writes aren't safe under atomics); each entry's value is small enough
// that replacing it wholesale under the lock is cheap and avoids a stale
// read tearing Alive from State.
type Registry struct {
	mu      sync.RWMutex
	workers map[int]fuzz.WorkerStatus
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[int]fuzz.WorkerStatus)}
}

func (r *Registry) SetState(workerID int, state fuzz.WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerID] = fuzz.AliveStatus(state, time.Now())
}

func (r *Registry) MarkDead(workerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerID] = fuzz.DeadStatus(time.Now())
}

func (r *Registry) Status(workerID int) (fuzz.WorkerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.workers[workerID]
	return s, ok
}

// All returns a defensive copy of the full table, safe for a display
// goroutine to range over.
func (r *Registry) All() map[int]fuzz.WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]fuzz.WorkerStatus, len(r.workers))
	for k, v := range r.workers {
		out[k] = v
	}
	return out
}

// Stuck returns the IDs of live workers whose status has held unchanged
// longer than d, a heuristic for flagging a wedged worker.
func (r *Registry) Stuck(d time.Duration) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int
	for id, s := range r.workers {
		if s.Alive && s.Stuck(d) {
			ids = append(ids, id)
		}
	}
	return ids
}
