package power

import (
	"math"
	"testing"
	"time"

	"github.com/Root-Branch/cardamon/pkg/cardamon/metrics"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCurveAt(t *testing.T) {
	tests := []struct {
		name        string
		coeffs      [4]float64
		utilization float64
		want        float64
	}{
		{"constant", [4]float64{40, 0, 0, 0}, 50, 40},
		{"linear", [4]float64{0, 1.5, 0, 0}, 50, 75},
		{"cubic", [4]float64{10, 1, 0.01, 0.0001}, 100, 310},
		{"zero utilization", [4]float64{10, 1, 0.01, 0.0001}, 0, 10},
		{"negative clamp", [4]float64{-100, 0.5, 0, 0}, 10, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NewCurve(tc.coeffs).At(tc.utilization)
			if !almostEqual(got, tc.want) {
				t.Errorf("At(%v) = %v, want %v", tc.utilization, got, tc.want)
			}
		})
	}
}

func TestCurveFromTDP(t *testing.T) {
	curve := FromTDP(100)
	if got := curve.At(50); !almostEqual(got, 100) {
		t.Errorf("TDP curve at 50%% = %v, want 100", got)
	}
	if got := curve.At(100); !almostEqual(got, 200) {
		t.Errorf("TDP curve at 100%% = %v, want 200", got)
	}
	if curve.IsZero() {
		t.Error("TDP curve should not be zero")
	}
}

func TestPowerAtApportionment(t *testing.T) {
	// Constant 100W draw makes the share arithmetic directly visible.
	calc := NewCalculator(NewCurve([4]float64{100, 0, 0, 0}), 500)

	tests := []struct {
		name   string
		sample metrics.Sample
		want   float64
	}{
		{
			// 4 cores at 50% system-wide is 200 core-percent total; a
			// subject using one full core gets half of it.
			name:   "half share",
			sample: metrics.Sample{CPUUsage: 100, TotalCPUUsage: 50, CoreCount: 4},
			want:   50,
		},
		{
			name:   "full share",
			sample: metrics.Sample{CPUUsage: 200, TotalCPUUsage: 50, CoreCount: 4},
			want:   100,
		},
		{
			// Counter skew can put the subject above the system total; the
			// share is capped at the whole machine.
			name:   "share capped at one",
			sample: metrics.Sample{CPUUsage: 400, TotalCPUUsage: 50, CoreCount: 4},
			want:   100,
		},
		{
			name:   "idle system contributes nothing",
			sample: metrics.Sample{CPUUsage: 10, TotalCPUUsage: 0, CoreCount: 4},
			want:   0,
		},
		{
			name:   "zero cores contributes nothing",
			sample: metrics.Sample{CPUUsage: 10, TotalCPUUsage: 50, CoreCount: 0},
			want:   0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := calc.PowerAt(tc.sample); !almostEqual(got, tc.want) {
				t.Errorf("PowerAt = %v, want %v", got, tc.want)
			}
		})
	}
}

func sampleAt(name string, ts time.Time, usage float64) metrics.Sample {
	return metrics.Sample{
		SubjectName:   name,
		CPUUsage:      usage,
		TotalCPUUsage: 50,
		CoreCount:     4,
		Timestamp:     ts,
	}
}

func TestEstimateTrapezoid(t *testing.T) {
	calc := NewCalculator(NewCurve([4]float64{100, 0, 0, 0}), 500)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Two samples one second apart, each worth 50W: 50 J.
	samples := []metrics.Sample{
		sampleAt("web", base, 100),
		sampleAt("web", base.Add(time.Second), 100),
	}
	est := calc.Estimate(samples)

	if !almostEqual(est.EnergyJoules, 50) {
		t.Errorf("EnergyJoules = %v, want 50", est.EnergyJoules)
	}
	if !almostEqual(est.EnergyKWh, 50/3.6e6) {
		t.Errorf("EnergyKWh = %v, want %v", est.EnergyKWh, 50/3.6e6)
	}
	if !almostEqual(est.CO2Grams, est.EnergyKWh*500) {
		t.Errorf("CO2Grams = %v, want %v", est.CO2Grams, est.EnergyKWh*500)
	}
	if !almostEqual(est.AvgPowerWatts, 50) {
		t.Errorf("AvgPowerWatts = %v, want 50", est.AvgPowerWatts)
	}
}

func TestEstimateSmallWindows(t *testing.T) {
	calc := NewCalculator(NewCurve([4]float64{100, 0, 0, 0}), 500)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if est := calc.Estimate(nil); est.EnergyJoules != 0 || est.Samples != 0 {
		t.Errorf("empty window should be zero, got %+v", est)
	}
	if est := calc.Estimate([]metrics.Sample{sampleAt("web", base, 100)}); est.EnergyJoules != 0 {
		t.Errorf("single sample spans no interval, got %v J", est.EnergyJoules)
	}
}

func TestEstimateUnorderedAndDuplicateTimestamps(t *testing.T) {
	calc := NewCalculator(NewCurve([4]float64{100, 0, 0, 0}), 500)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ordered := calc.Estimate([]metrics.Sample{
		sampleAt("web", base, 100),
		sampleAt("web", base.Add(time.Second), 100),
		sampleAt("web", base.Add(2*time.Second), 100),
	})
	shuffled := calc.Estimate([]metrics.Sample{
		sampleAt("web", base.Add(2*time.Second), 100),
		sampleAt("web", base, 100),
		sampleAt("web", base.Add(time.Second), 100),
	})
	if !almostEqual(ordered.EnergyJoules, shuffled.EnergyJoules) {
		t.Errorf("order changed the integral: %v vs %v", ordered.EnergyJoules, shuffled.EnergyJoules)
	}

	// A duplicate timestamp spans a zero interval and must add nothing.
	withDup := calc.Estimate([]metrics.Sample{
		sampleAt("web", base, 100),
		sampleAt("web", base.Add(time.Second), 100),
		sampleAt("web", base.Add(time.Second), 100),
	})
	if withDup.EnergyJoules < ordered.EnergyJoules/2-1e-9 {
		t.Errorf("duplicate timestamp decreased the integral: %v", withDup.EnergyJoules)
	}
}

func TestEstimateBySubjectAndTotal(t *testing.T) {
	calc := NewCalculator(NewCurve([4]float64{100, 0, 0, 0}), 500)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	samples := []metrics.Sample{
		sampleAt("web", base, 100),
		sampleAt("db", base, 50),
		sampleAt("web", base.Add(time.Second), 100),
		sampleAt("db", base.Add(time.Second), 50),
	}

	byName := calc.EstimateBySubject(samples)
	if len(byName) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(byName))
	}
	if !almostEqual(byName["web"].EnergyJoules, 50) {
		t.Errorf("web = %v J, want 50", byName["web"].EnergyJoules)
	}
	if !almostEqual(byName["db"].EnergyJoules, 25) {
		t.Errorf("db = %v J, want 25", byName["db"].EnergyJoules)
	}

	total := Total(byName)
	if !almostEqual(total.EnergyJoules, 75) {
		t.Errorf("total = %v J, want 75", total.EnergyJoules)
	}
	if total.Samples != 4 {
		t.Errorf("total samples = %d, want 4", total.Samples)
	}
}
