package coverage

import "github.com/fluxfuzzer/jsfuzz/pkg/fuzz"

// NewTargetAdapter picks the coverage adapter a worker or master should
// drive: FakeAdapter under --test-mode, or the real REPRL-backed adapter
// otherwise. The real adapter exists only in builds with the reprl tag;
// without it, asking for one panics.
func NewTargetAdapter(profile fuzz.Profile, testMode bool) ProfiledAdapter {
	if testMode {
		return NewFakeAdapter(profile)
	}
	return newRealAdapter(profile)
}
