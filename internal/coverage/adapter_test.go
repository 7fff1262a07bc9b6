package coverage

import (
	"testing"

	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

func TestCrashClassificationV8(t *testing.T) {
	a := NewFakeAdapter(fuzz.ProfileV8)
	a.Init(0)

	code := a.ExecuteScript(0, "fuzzilli('FUZZILLI_CRASH', 0);", 500, false)
	outcome := fuzz.ClassifyExitCode(fuzz.ProfileV8, code)
	if outcome != fuzz.Crash {
		t.Fatalf("expected Crash, got %v (code %d)", outcome, code)
	}
}

func TestTimeoutClassification(t *testing.T) {
	a := NewFakeAdapter(fuzz.ProfileV8)
	a.Init(0)

	code := a.ExecuteScript(0, "while(true){}", 100, false)
	outcome := fuzz.ClassifyExitCode(fuzz.ProfileV8, code)
	if outcome != fuzz.Timeout {
		t.Fatalf("expected Timeout, got %v (code %d)", outcome, code)
	}
}

func TestCovEvaluateMutatesBitmap(t *testing.T) {
	a := NewFakeAdapter(fuzz.ProfileV8)
	a.Init(0)

	a.ExecuteScript(0, "let x = 1;", 500, false)
	first, n1 := a.CovEvaluate(0)
	if n1 == 0 {
		t.Fatalf("expected new edges on first evaluate")
	}

	// Re-running the same program without clearing should report nothing
	// new: cov_evaluate has already consumed these edges.
	a.ExecuteScript(0, "let x = 1;", 500, false)
	_, n2 := a.CovEvaluate(0)
	if n2 != 0 {
		t.Fatalf("expected zero new edges on repeat execution without reset, got %d", n2)
	}

	// Clearing re-arms the edges.
	for _, idx := range first.Indices {
		a.CovClearEdgeData(0, idx)
	}
	a.ExecuteScript(0, "let x = 1;", 500, false)
	_, n3 := a.CovEvaluate(0)
	if n3 != n1 {
		t.Fatalf("expected %d edges to re-arm after reset, got %d", n1, n3)
	}
}

func TestGeckoAndJSCCrashCodes(t *testing.T) {
	for _, profile := range []fuzz.Profile{fuzz.ProfileGecko, fuzz.ProfileJSC} {
		a := NewFakeAdapter(profile)
		a.Init(0)
		code := a.ExecuteScript(0, "fuzzilli('FUZZILLI_CRASH', 1);", 500, false)
		if fuzz.ClassifyExitCode(profile, code) != fuzz.Crash {
			t.Fatalf("profile %s: expected Crash for code %d", profile, code)
		}
	}
}
