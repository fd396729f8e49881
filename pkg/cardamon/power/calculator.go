package power

import (
	"sort"

	"github.com/Root-Branch/cardamon/pkg/cardamon/metrics"
)

// joulesPerKWh converts integrated energy to kilowatt-hours.
const joulesPerKWh = 3.6e6

// Estimate is the derived energy and emissions for one subject over one
// window of samples.
type Estimate struct {
	EnergyJoules float64
	EnergyKWh    float64
	CO2Grams     float64
	// AvgPowerWatts is energy over elapsed wall clock, 0 for empty windows.
	AvgPowerWatts float64
	Samples       int
}

// Calculator turns utilization samples into power and emissions.
//
// Apportionment: the curve yields total system draw for the observed
// system-wide utilization; the subject is charged its share of total CPU
// usage, where system usage is expressed in core-equivalents to match the
// subject's 0..100*cores scale:
//
//	power = curve(total) * (usage / (total * cores))
//
// A zero system-wide reading means an idle instant and contributes zero
// power rather than an error.
type Calculator struct {
	curve     Curve
	intensity float64 // gCO2e per kWh
}

func NewCalculator(curve Curve, intensityGramsPerKWh float64) *Calculator {
	return &Calculator{curve: curve, intensity: intensityGramsPerKWh}
}

// PowerAt estimates the subject's instantaneous draw in watts for a single
// sample.
func (c *Calculator) PowerAt(s metrics.Sample) float64 {
	denominator := s.TotalCPUUsage * float64(s.CoreCount)
	if denominator <= 0 {
		return 0
	}
	share := s.CPUUsage / denominator
	if share > 1 {
		share = 1
	}
	return c.curve.At(s.TotalCPUUsage) * share
}

// Estimate integrates power over the sample window using the trapezoid rule
// on wall-clock deltas, so irregular sampling intervals are handled without
// assuming a fixed tick. A single sample spans zero intervals and yields
// zero energy. Samples are sorted by timestamp before integration; equal or
// reversed timestamps contribute nothing (deltas are clamped at zero), so
// the integral never decreases as samples are added.
func (c *Calculator) Estimate(samples []metrics.Sample) Estimate {
	est := Estimate{Samples: len(samples)}
	if len(samples) < 2 {
		return est
	}

	ordered := make([]metrics.Sample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var joules float64
	for i := 1; i < len(ordered); i++ {
		dt := ordered[i].Timestamp.Sub(ordered[i-1].Timestamp).Seconds()
		if dt <= 0 {
			continue
		}
		p0 := c.PowerAt(ordered[i-1])
		p1 := c.PowerAt(ordered[i])
		joules += 0.5 * (p0 + p1) * dt
	}

	est.EnergyJoules = joules
	est.EnergyKWh = joules / joulesPerKWh
	est.CO2Grams = est.EnergyKWh * c.intensity

	elapsed := ordered[len(ordered)-1].Timestamp.Sub(ordered[0].Timestamp).Seconds()
	if elapsed > 0 {
		est.AvgPowerWatts = joules / elapsed
	}
	return est
}

// EstimateBySubject groups samples by subject name and estimates each group
// independently.
func (c *Calculator) EstimateBySubject(samples []metrics.Sample) map[string]Estimate {
	groups := make(map[string][]metrics.Sample)
	for _, s := range samples {
		groups[s.SubjectName] = append(groups[s.SubjectName], s)
	}

	out := make(map[string]Estimate, len(groups))
	for name, group := range groups {
		out[name] = c.Estimate(group)
	}
	return out
}

// Total sums a set of per-subject estimates.
func Total(estimates map[string]Estimate) Estimate {
	var total Estimate
	for _, e := range estimates {
		total.EnergyJoules += e.EnergyJoules
		total.EnergyKWh += e.EnergyKWh
		total.CO2Grams += e.CO2Grams
		total.Samples += e.Samples
	}
	return total
}
