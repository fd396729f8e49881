package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Root-Branch/cardamon/pkg/cardamon/power"
	"github.com/Root-Branch/cardamon/pkg/cardamon/store"
)

type fakeRunStore struct {
	runs   map[string]*store.Run
	stats  *store.ScenarioStats
	getErr error

	lastFilter store.RunFilter
	lastPage   store.Page
	lastN      int
}

func (f *fakeRunStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", id, store.ErrRunNotFound)
	}
	return run, nil
}

func (f *fakeRunStore) ListRuns(_ context.Context, filter store.RunFilter, page store.Page) ([]store.Run, int, error) {
	f.lastFilter = filter
	f.lastPage = page
	var out []store.Run
	for _, run := range f.runs {
		out = append(out, *run)
	}
	return out, len(out), nil
}

func (f *fakeRunStore) ComputeScenarioStats(_ context.Context, scenario string, lastN int, _ *power.Calculator) (*store.ScenarioStats, error) {
	f.lastN = lastN
	if f.stats != nil {
		return f.stats, nil
	}
	return &store.ScenarioStats{ScenarioName: scenario}, nil
}

func newTestServer(runs *fakeRunStore) *httptest.Server {
	calc := power.NewCalculator(power.FromTDP(65), 494)
	return httptest.NewServer(NewServer(0, runs, calc).Handler())
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("get %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestGetRun(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runs := &fakeRunStore{runs: map[string]*store.Run{
		"abc12": {
			ID:              "abc12",
			ObservationName: "checkout",
			StartTime:       base,
			StopTime:        base.Add(time.Minute),
			Iterations: []store.Iteration{
				{RunID: "abc12", ScenarioName: "s1", Index: 0, StartTime: base, StopTime: base.Add(10 * time.Second)},
			},
		},
	}}
	srv := newTestServer(runs)
	defer srv.Close()

	var got store.Run
	getJSON(t, srv.URL+"/api/runs/abc12", http.StatusOK, &got)
	if got.ID != "abc12" || got.ObservationName != "checkout" {
		t.Errorf("unexpected run: %+v", got)
	}
	if len(got.Iterations) != 1 {
		t.Errorf("got %d iterations, want 1", len(got.Iterations))
	}

	getJSON(t, srv.URL+"/api/runs/missing", http.StatusNotFound, nil)
}

func TestGetRunStorageFailureIsServerError(t *testing.T) {
	// Only a missing run maps to 404; a broken store must not masquerade as
	// an absent record.
	runs := &fakeRunStore{getErr: &store.PersistenceError{Op: "get run", Err: fmt.Errorf("disk I/O error")}}
	srv := newTestServer(runs)
	defer srv.Close()

	getJSON(t, srv.URL+"/api/runs/abc12", http.StatusInternalServerError, nil)
}

func TestListRuns(t *testing.T) {
	runs := &fakeRunStore{runs: map[string]*store.Run{
		"r1": {ID: "r1", ObservationName: "obs"},
	}}
	srv := newTestServer(runs)
	defer srv.Close()

	var got listRunsResponse
	getJSON(t, srv.URL+"/api/runs?observation=obs&page=2&page_size=10", http.StatusOK, &got)

	if got.Total != 1 {
		t.Errorf("total = %d, want 1", got.Total)
	}
	if runs.lastFilter.Observation != "obs" {
		t.Errorf("filter = %+v", runs.lastFilter)
	}
	if runs.lastPage.Number != 2 || runs.lastPage.Size != 10 {
		t.Errorf("page = %+v", runs.lastPage)
	}
}

func TestListRunsRejectsConflictingFilters(t *testing.T) {
	srv := newTestServer(&fakeRunStore{})
	defer srv.Close()

	getJSON(t, srv.URL+"/api/runs?observation=a&scenario=b", http.StatusBadRequest, nil)
}

func TestListRunsEmptyIsAnArray(t *testing.T) {
	srv := newTestServer(&fakeRunStore{})
	defer srv.Close()

	var got struct {
		Runs json.RawMessage `json:"runs"`
	}
	getJSON(t, srv.URL+"/api/runs", http.StatusOK, &got)
	if string(got.Runs) != "[]" {
		t.Errorf("runs = %s, want []", got.Runs)
	}
}

func TestScenarioStats(t *testing.T) {
	runs := &fakeRunStore{stats: &store.ScenarioStats{
		ScenarioName: "s1",
		Runs:         3,
		AvgEnergyKWh: 0.001,
		AvgCO2Grams:  0.5,
	}}
	srv := newTestServer(runs)
	defer srv.Close()

	var got store.ScenarioStats
	getJSON(t, srv.URL+"/api/scenarios/s1/stats?last=3", http.StatusOK, &got)

	if got.Runs != 3 || got.AvgCO2Grams != 0.5 {
		t.Errorf("unexpected stats: %+v", got)
	}
	if runs.lastN != 3 {
		t.Errorf("lastN = %d, want 3", runs.lastN)
	}
}

func TestScenarioStatsDefaultWindow(t *testing.T) {
	runs := &fakeRunStore{}
	srv := newTestServer(runs)
	defer srv.Close()

	getJSON(t, srv.URL+"/api/scenarios/s1/stats", http.StatusOK, nil)
	if runs.lastN != 5 {
		t.Errorf("default lastN = %d, want 5", runs.lastN)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeRunStore{})
	defer srv.Close()

	var got map[string]string
	getJSON(t, srv.URL+"/healthz", http.StatusOK, &got)
	if got["status"] != "ok" {
		t.Errorf("health = %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeRunStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
