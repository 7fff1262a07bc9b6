package bytecode

import "testing"

func TestTLSHCollectorFirstSeenIsNovel(t *testing.T) {
	c := NewTLSHCollector()
	source := `function f(a, b) { if (a > b) { return a - b; } else { return b - a; } } f(3, 7);`

	_, novel := c.Analyze(source, 0)
	if !novel {
		t.Fatal("first occurrence of a pattern must be novel")
	}
}

func TestTLSHCollectorRepeatIsNotNovel(t *testing.T) {
	c := NewTLSHCollector()
	source := `function f(a, b) { if (a > b) { return a - b; } else { return b - a; } } f(3, 7);`

	c.Analyze(source, 0)
	_, novel := c.Analyze(source, 0)
	if novel {
		t.Fatal("identical source should not be novel the second time")
	}
}

func TestTLSHCollectorShortSourceAlwaysNovel(t *testing.T) {
	c := NewTLSHCollector()
	_, novel1 := c.Analyze("x", 0)
	_, novel2 := c.Analyze("x", 0)
	if !novel1 || !novel2 {
		t.Fatal("sources under the TLSH minimum length are always treated as novel")
	}
}

func TestTLSHCollectorStatsTracksAnalyses(t *testing.T) {
	c := NewTLSHCollector()
	c.Analyze("short", 0)
	c.Analyze(`function g(){ for (let i=0;i<100;i++){ console.log(i); } }`, 1)

	stats := c.Stats()
	if stats.TotalAnalyses != 2 {
		t.Fatalf("expected 2 total analyses, got %d", stats.TotalAnalyses)
	}
}
