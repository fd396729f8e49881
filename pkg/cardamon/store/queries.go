package store

import (
	"context"
	"time"

	"github.com/Root-Branch/cardamon/pkg/cardamon/metrics"
	"github.com/Root-Branch/cardamon/pkg/cardamon/power"
)

// Page describes pagination for list queries. Pages are 0-based.
type Page struct {
	Number int
	Size   int
}

func (p Page) limitOffset() (int, int) {
	size := p.Size
	if size <= 0 {
		size = 20
	}
	num := p.Number
	if num < 0 {
		num = 0
	}
	return size, num * size
}

// RunFilter restricts a run listing to an observation or a scenario. At
// most one field is set; an empty filter lists everything.
type RunFilter struct {
	Observation string
	Scenario    string
}

// ListRuns returns runs matching the filter, newest first, along with the
// total number of matching runs for pagination.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter, page Page) ([]Run, int, error) {
	var (
		where string
		args  []any
	)
	switch {
	case filter.Observation != "":
		where = `WHERE r.observation_name = ?`
		args = append(args, filter.Observation)
	case filter.Scenario != "":
		where = `WHERE r.id IN (SELECT DISTINCT run_id FROM iteration WHERE scenario_name = ?)`
		args = append(args, filter.Scenario)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM run r ` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, &PersistenceError{Op: "count runs", Err: err}
	}

	limit, offset := page.limitOffset()
	listQuery := `SELECT r.id, r.observation_name, r.start_time, r.stop_time FROM run r ` +
		where + ` ORDER BY r.start_time DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, listQuery, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var start, stop int64
		if err := rows.Scan(&run.ID, &run.ObservationName, &start, &stop); err != nil {
			return nil, 0, &PersistenceError{Op: "list runs", Err: err}
		}
		run.StartTime = time.UnixMilli(start)
		run.StopTime = time.UnixMilli(stop)
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// ScenarioStats aggregates energy and CO2 for a scenario across its most
// recent runs.
type ScenarioStats struct {
	ScenarioName string  `json:"scenario_name"`
	Runs         int     `json:"runs"`
	AvgEnergyKWh float64 `json:"avg_energy_kwh"`
	AvgCO2Grams  float64 `json:"avg_co2_grams"`
	// Totals across the aggregated runs.
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	TotalCO2Grams  float64 `json:"total_co2_grams"`
}

// ComputeScenarioStats runs the power model over the samples of the
// scenario's most recent lastN runs, considering only samples that fall
// inside that scenario's iteration windows within each run.
func (s *Store) ComputeScenarioStats(ctx context.Context, scenario string, lastN int, calc *power.Calculator) (*ScenarioStats, error) {
	if lastN <= 0 {
		lastN = 5
	}

	runs, _, err := s.ListRuns(ctx, RunFilter{Scenario: scenario}, Page{Number: 0, Size: lastN})
	if err != nil {
		return nil, err
	}

	stats := &ScenarioStats{ScenarioName: scenario}
	for _, run := range runs {
		full, err := s.GetRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		samples, err := s.GetSamples(ctx, run.ID)
		if err != nil {
			return nil, err
		}

		scoped := samplesInScenarioWindows(samples, full.Iterations, scenario)
		total := power.Total(calc.EstimateBySubject(scoped))
		stats.TotalEnergyKWh += total.EnergyKWh
		stats.TotalCO2Grams += total.CO2Grams
		stats.Runs++
	}

	if stats.Runs > 0 {
		stats.AvgEnergyKWh = stats.TotalEnergyKWh / float64(stats.Runs)
		stats.AvgCO2Grams = stats.TotalCO2Grams / float64(stats.Runs)
	}
	return stats, nil
}

// samplesInScenarioWindows keeps samples whose timestamps fall within any
// iteration window of the named scenario.
func samplesInScenarioWindows(samples []metrics.Sample, iterations []Iteration, scenario string) []metrics.Sample {
	var windows []Iteration
	for _, it := range iterations {
		if it.ScenarioName == scenario {
			windows = append(windows, it)
		}
	}
	if len(windows) == 0 {
		return nil
	}

	var scoped []metrics.Sample
	for _, sample := range samples {
		for _, w := range windows {
			if !sample.Timestamp.Before(w.StartTime) && !sample.Timestamp.After(w.StopTime) {
				scoped = append(scoped, sample)
				break
			}
		}
	}
	return scoped
}
