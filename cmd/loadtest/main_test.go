package main

import (
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	if got := percentile(sorted, 50); got != 5.5 {
		t.Fatalf("p50: expected 5.5, got %v", got)
	}
	if got := percentile(sorted, 100); got != 10 {
		t.Fatalf("p100: expected 10, got %v", got)
	}
	if got := percentile([]float64{42}, 95); got != 42 {
		t.Fatalf("single value: expected 42, got %v", got)
	}
	if got := percentile(nil, 95); got != 0 {
		t.Fatalf("empty: expected 0, got %v", got)
	}
}

func TestBuildLatencySummary(t *testing.T) {
	summary := buildLatencySummary([]float64{10, 20, 30})

	if summary.Min != 10 || summary.Max != 30 {
		t.Fatalf("unexpected min/max: %+v", summary)
	}
	if summary.Avg != 20 {
		t.Fatalf("expected avg 20, got %v", summary.Avg)
	}
	if buildLatencySummary(nil) != (latencySummary{}) {
		t.Fatal("empty input must produce zero summary")
	}
}

func TestCollector(t *testing.T) {
	col := newCollector()
	col.record("CONFIRMED", 10*time.Millisecond, false)
	col.record("CONFIRMED", 20*time.Millisecond, false)
	col.record("FAILED", 30*time.Millisecond, false)
	col.record("SUBMIT_ERROR", 5*time.Millisecond, true)

	started := time.Now().Add(-2 * time.Second)
	result := col.buildReport(started, 2*time.Second)

	if result.TotalScenarios != 4 || result.FailedScenarios != 1 {
		t.Fatalf("unexpected totals: %+v", result)
	}
	if result.Statuses["CONFIRMED"] != 2 || result.Statuses["FAILED"] != 1 {
		t.Fatalf("unexpected statuses: %v", result.Statuses)
	}
	if result.RPS != 2 {
		t.Fatalf("expected rps 2, got %v", result.RPS)
	}
}
