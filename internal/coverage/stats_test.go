package coverage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestStatsDumpInvariance(t *testing.T) {
	m := NewCorpusManager()
	for i := 0; i < 5; i++ {
		m.AddEntry("ir", "source text for entry")
	}

	dir := t.TempDir()
	if err := m.DumpStatsToJSON(0, dir, 1); err != nil {
		t.Fatalf("first dump: %v", err)
	}
	first, err := os.ReadFile(filepath.Join(dir, "stats", "worker_0", "stats_1.json"))
	if err != nil {
		t.Fatalf("read first dump: %v", err)
	}

	if err := m.DumpStatsToJSON(0, dir, 2); err != nil {
		t.Fatalf("second dump: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "stats", "worker_0", "stats_2.json"))
	if err != nil {
		t.Fatalf("read second dump: %v", err)
	}

	var a, b map[string]interface{}
	if err := json.Unmarshal(first, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(second, &b); err != nil {
		t.Fatal(err)
	}
	delete(a, "timestamp")
	delete(b, "timestamp")

	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Fatalf("dumps differ modulo timestamp:\n%s\nvs\n%s", aj, bj)
	}
}

func TestStatsDumpLatestMirror(t *testing.T) {
	m := NewCorpusManager()
	m.AddEntry("ir", "source")

	dir := t.TempDir()
	if err := m.DumpStatsToJSON(3, dir, 42); err != nil {
		t.Fatal(err)
	}

	named, err := os.ReadFile(filepath.Join(dir, "stats", "worker_3", "stats_42.json"))
	if err != nil {
		t.Fatal(err)
	}
	latest, err := os.ReadFile(filepath.Join(dir, "stats", "worker_3", "latest_stats.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(named) != string(latest) {
		t.Fatal("latest_stats.json should mirror the named snapshot")
	}
}

func TestHistogramBucketing(t *testing.T) {
	values := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	buckets := calculateHistogram(values, 0, 10, 5)
	if len(buckets) != 5 {
		t.Fatalf("expected 5 buckets, got %d", len(buckets))
	}
	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	if total != len(values) {
		t.Fatalf("expected all %d values bucketed, got %d", len(values), total)
	}
}
