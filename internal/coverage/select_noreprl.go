//go:build !reprl

package coverage

import "github.com/fluxfuzzer/jsfuzz/pkg/fuzz"

func newRealAdapter(fuzz.Profile) ProfiledAdapter {
	panic("coverage: built without the reprl tag; rebuild with -tags reprl, or run with --test-mode")
}
