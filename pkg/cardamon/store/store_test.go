package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/Root-Branch/cardamon/pkg/cardamon/metrics"
	"github.com/Root-Branch/cardamon/pkg/cardamon/power"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	run := &Run{
		ID:              "abc12",
		ObservationName: "checkout",
		StartTime:       base,
		StopTime:        base.Add(time.Minute),
		Iterations: []Iteration{
			{RunID: "abc12", ScenarioName: "s1", Index: 0, StartTime: base, StopTime: base.Add(10 * time.Second)},
			{RunID: "abc12", ScenarioName: "s1", Index: 1, StartTime: base.Add(10 * time.Second), StopTime: base.Add(20 * time.Second), Failed: true},
		},
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun(ctx, "abc12")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.ID != "abc12" || got.ObservationName != "checkout" {
		t.Errorf("run identity mismatch: %+v", got)
	}
	if !got.StartTime.Equal(run.StartTime) || !got.StopTime.Equal(run.StopTime) {
		t.Errorf("run times mismatch: %v..%v", got.StartTime, got.StopTime)
	}
	if len(got.Iterations) != 2 {
		t.Fatalf("got %d iterations, want 2", len(got.Iterations))
	}
	for i, it := range got.Iterations {
		if it.Index != i {
			t.Errorf("iteration %d has index %d", i, it.Index)
		}
	}
	if !got.Iterations[1].Failed {
		t.Error("failed flag lost on second iteration")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestSamplesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var samples []metrics.Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, metrics.Sample{
			SubjectID:     "1234",
			SubjectName:   "web",
			CPUUsage:      float64(i * 10),
			TotalCPUUsage: 50,
			CoreCount:     4,
			Timestamp:     base.Add(time.Duration(i) * 500 * time.Millisecond),
		})
	}
	if err := s.InsertSamples(ctx, "r1", samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}

	got, err := s.GetSamples(ctx, "r1")
	if err != nil {
		t.Fatalf("get samples: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d samples, want 10", len(got))
	}
	for i, sample := range got {
		if sample.CPUUsage != float64(i*10) {
			t.Errorf("sample %d usage = %v", i, sample.CPUUsage)
		}
		if !sample.Timestamp.Equal(samples[i].Timestamp) {
			t.Errorf("sample %d timestamp drifted: %v vs %v", i, sample.Timestamp, samples[i].Timestamp)
		}
	}

	// Samples for other runs stay invisible.
	other, err := s.GetSamples(ctx, "r2")
	if err != nil {
		t.Fatalf("get samples for empty run: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unexpected samples for other run: %d", len(other))
	}
}

func TestInsertSamplesEmptyBatch(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertSamples(context.Background(), "r1", nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}
}

func seedRuns(t *testing.T, s *Store, n int, observation, scenario string) time.Time {
	t.Helper()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		run := &Run{
			ID:              fmt.Sprintf("%s-%d", observation, i),
			ObservationName: observation,
			StartTime:       start,
			StopTime:        start.Add(time.Minute),
		}
		if scenario != "" {
			run.Iterations = []Iteration{{
				RunID: run.ID, ScenarioName: scenario, Index: 0,
				StartTime: start, StopTime: start.Add(time.Minute),
			}}
		}
		if err := s.SaveRun(context.Background(), run); err != nil {
			t.Fatalf("seed run %d: %v", i, err)
		}
	}
	return base
}

func TestListRunsPagination(t *testing.T) {
	s := openTestStore(t)
	seedRuns(t, s, 5, "obs", "")

	runs, total, err := s.ListRuns(context.Background(), RunFilter{}, Page{Number: 0, Size: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 2 {
		t.Fatalf("page size = %d, want 2", len(runs))
	}
	// Newest first.
	if runs[0].ID != "obs-4" || runs[1].ID != "obs-3" {
		t.Errorf("page 0 = %s,%s, want obs-4,obs-3", runs[0].ID, runs[1].ID)
	}

	runs, _, err = s.ListRuns(context.Background(), RunFilter{}, Page{Number: 2, Size: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "obs-0" {
		t.Errorf("last page = %v, want [obs-0]", runs)
	}
}

func TestListRunsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRuns(t, s, 2, "alpha", "s1")
	seedRuns(t, s, 3, "beta", "s2")

	runs, total, err := s.ListRuns(ctx, RunFilter{Observation: "alpha"}, Page{})
	if err != nil {
		t.Fatalf("list by observation: %v", err)
	}
	if total != 2 || len(runs) != 2 {
		t.Errorf("observation filter: total=%d len=%d, want 2/2", total, len(runs))
	}

	runs, total, err = s.ListRuns(ctx, RunFilter{Scenario: "s2"}, Page{})
	if err != nil {
		t.Fatalf("list by scenario: %v", err)
	}
	if total != 3 || len(runs) != 3 {
		t.Errorf("scenario filter: total=%d len=%d, want 3/3", total, len(runs))
	}
	for _, run := range runs {
		if run.ObservationName != "beta" {
			t.Errorf("scenario filter leaked run %s", run.ID)
		}
	}
}

func TestComputeScenarioStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	run := &Run{
		ID:              "r1",
		ObservationName: "obs",
		StartTime:       base,
		StopTime:        base.Add(time.Minute),
		Iterations: []Iteration{{
			RunID: "r1", ScenarioName: "s1", Index: 0,
			StartTime: base, StopTime: base.Add(10 * time.Second),
		}},
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	mkSample := func(offset time.Duration) metrics.Sample {
		return metrics.Sample{
			SubjectID: "1", SubjectName: "web",
			CPUUsage: 100, TotalCPUUsage: 50, CoreCount: 4,
			Timestamp: base.Add(offset),
		}
	}
	samples := []metrics.Sample{
		// Inside the iteration window: one second at 50W.
		mkSample(1 * time.Second),
		mkSample(2 * time.Second),
		// Outside the window; must not count.
		mkSample(30 * time.Second),
		mkSample(31 * time.Second),
	}
	if err := s.InsertSamples(ctx, "r1", samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}

	// Constant 100W curve, subject share 1/2, intensity picked so grams
	// equal joules.
	calc := power.NewCalculator(power.NewCurve([4]float64{100, 0, 0, 0}), 3.6e6)

	stats, err := s.ComputeScenarioStats(ctx, "s1", 5, calc)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Runs != 1 {
		t.Fatalf("runs = %d, want 1", stats.Runs)
	}
	wantKWh := 50.0 / 3.6e6
	if math.Abs(stats.AvgEnergyKWh-wantKWh) > 1e-12 {
		t.Errorf("avg energy = %v kWh, want %v", stats.AvgEnergyKWh, wantKWh)
	}
	if math.Abs(stats.AvgCO2Grams-50.0) > 1e-6 {
		t.Errorf("avg co2 = %v g, want 50", stats.AvgCO2Grams)
	}
}

func TestComputeScenarioStatsNoRuns(t *testing.T) {
	s := openTestStore(t)
	calc := power.NewCalculator(power.FromTDP(100), 494)

	stats, err := s.ComputeScenarioStats(context.Background(), "ghost", 5, calc)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Runs != 0 || stats.AvgEnergyKWh != 0 {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}
