//go:build reprl

package coverage

/*
#cgo LDFLAGS: -lreprl
#include <stdint.h>
#include <stdlib.h>

int reprl_init(int worker_id);
int reprl_spawn(int worker_id);
int reprl_finish_initialization(int worker_id, int track_edges);
int32_t reprl_execute_script(int worker_id, const char *source, int timeout_ms, int fresh_instance);
uint32_t reprl_cov_evaluate(int worker_id, uint32_t *out_indices, uint32_t max_indices);
void reprl_cov_clear_edge_data(int worker_id, uint32_t index);
void reprl_cov_set_edge_data(int worker_id, uint32_t index);
void reprl_destroy_context(int worker_id);
void reprl_cleanup(int worker_id);
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

// CGOAdapter drives a real instrumented target over the REPRL foreign ABI.
// It is only compiled with the "reprl" build tag, since the target library
// this links against is an external collaborator outside this module's
// scope.
type CGOAdapter struct {
	profile fuzz.Profile
}

func NewCGOAdapter(profile fuzz.Profile) *CGOAdapter {
	return &CGOAdapter{profile: profile}
}

func (a *CGOAdapter) Profile() fuzz.Profile { return a.profile }

func (a *CGOAdapter) Init(workerID int) error {
	if C.reprl_init(C.int(workerID)) != 0 {
		return errReprl("init", workerID)
	}
	return nil
}

func (a *CGOAdapter) Spawn(workerID int) error {
	if C.reprl_spawn(C.int(workerID)) != 0 {
		return errReprl("spawn", workerID)
	}
	return nil
}

func (a *CGOAdapter) FinishInitialization(workerID int, trackEdges bool) error {
	te := 0
	if trackEdges {
		te = 1
	}
	if C.reprl_finish_initialization(C.int(workerID), C.int(te)) != 0 {
		return errReprl("finish_initialization", workerID)
	}
	return nil
}

func (a *CGOAdapter) ExecuteScript(workerID int, source string, timeoutMS int, freshInstance bool) int32 {
	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))

	fresh := 0
	if freshInstance {
		fresh = 1
	}
	return int32(C.reprl_execute_script(C.int(workerID), cSource, C.int(timeoutMS), C.int(fresh)))
}

const maxEdgesPerEvaluate = 1 << 16

func (a *CGOAdapter) CovEvaluate(workerID int) (EdgeSet, int) {
	buf := make([]C.uint32_t, maxEdgesPerEvaluate)
	n := C.reprl_cov_evaluate(C.int(workerID), (*C.uint32_t)(unsafe.Pointer(&buf[0])), C.uint32_t(len(buf)))

	indices := make([]uint32, n)
	for i := range indices {
		indices[i] = uint32(buf[i])
	}
	return EdgeSet{Indices: indices}, int(n)
}

func (a *CGOAdapter) CovClearEdgeData(workerID int, index uint32) {
	C.reprl_cov_clear_edge_data(C.int(workerID), C.uint32_t(index))
}

func (a *CGOAdapter) CovSetEdgeData(workerID int, index uint32) {
	C.reprl_cov_set_edge_data(C.int(workerID), C.uint32_t(index))
}

func (a *CGOAdapter) DestroyContext(workerID int) error {
	C.reprl_destroy_context(C.int(workerID))
	return nil
}

func (a *CGOAdapter) Cleanup(workerID int) error {
	C.reprl_cleanup(C.int(workerID))
	return nil
}

func errReprl(call string, workerID int) error {
	return fmt.Errorf("reprl: %s failed for worker %d", call, workerID)
}
