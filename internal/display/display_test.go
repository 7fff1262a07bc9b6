package display

import (
	"strings"
	"testing"
	"time"

	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

func TestViewIncludesCountersAndWorkerStates(t *testing.T) {
	counters := &telemetry.Counters{}
	counters.AddExecution()
	counters.AddCrash()

	status := telemetry.NewRegistry()
	status.SetState(0, fuzz.Executing)
	status.MarkDead(1)

	m := NewModel(status, counters)
	view := m.View()

	if !strings.Contains(view, "Executions") {
		t.Fatal("expected the counters panel to render")
	}
	if !strings.Contains(view, "executing") {
		t.Fatal("expected worker 0's state to render")
	}
	if !strings.Contains(view, "dead") {
		t.Fatal("expected worker 1's dead status to render")
	}
}

func TestRenderLineFormatsDeadWorker(t *testing.T) {
	line := RenderLine(3, fuzz.DeadStatus(time.Now()))
	if !strings.Contains(line, "worker 3") || !strings.Contains(line, "dead") {
		t.Fatalf("expected a dead-worker line, got %q", line)
	}
}
