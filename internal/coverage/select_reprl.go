//go:build reprl

package coverage

import "github.com/fluxfuzzer/jsfuzz/pkg/fuzz"

func newRealAdapter(profile fuzz.Profile) ProfiledAdapter {
	return NewCGOAdapter(profile)
}
