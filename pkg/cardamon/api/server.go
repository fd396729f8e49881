// Package api serves run history and scenario statistics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/power"
	"github.com/Root-Branch/cardamon/pkg/cardamon/store"
)

// RunStore is the query surface the API needs from the run repository.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter, page store.Page) ([]store.Run, int, error)
	ComputeScenarioStats(ctx context.Context, scenario string, lastN int, calc *power.Calculator) (*store.ScenarioStats, error)
}

// Server exposes the query API, a health endpoint and prometheus metrics.
type Server struct {
	store RunStore
	calc  *power.Calculator
	http  *http.Server
}

func NewServer(port int, runs RunStore, calc *power.Calculator) *Server {
	s := &Server{store: runs, calc: calc}

	r := mux.NewRouter()
	r.HandleFunc("/api/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/scenarios/{name}/stats", s.handleScenarioStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the server exits. http.ErrServerClosed is
// swallowed, matching a clean Shutdown.
func (s *Server) ListenAndServe() error {
	klog.InfoS("API server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type listRunsResponse struct {
	Runs     []store.Run `json:"runs"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		// A missing run is the client's problem; anything else is ours.
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.RunFilter{
		Observation: q.Get("observation"),
		Scenario:    q.Get("scenario"),
	}
	if filter.Observation != "" && filter.Scenario != "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("observation and scenario filters are mutually exclusive"))
		return
	}

	page := store.Page{
		Number: intParam(q.Get("page"), 0),
		Size:   intParam(q.Get("page_size"), 20),
	}

	runs, total, err := s.store.ListRuns(r.Context(), filter, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:     runs,
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
	})
}

func (s *Server) handleScenarioStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	lastN := intParam(r.URL.Query().Get("last"), 5)

	stats, err := s.store.ComputeScenarioStats(r.Context(), name, lastN, s.calc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.ErrorS(err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
