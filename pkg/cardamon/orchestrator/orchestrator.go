// Package orchestrator drives one run of an observation: it starts the
// tracked subjects, keeps the sampler ticking concurrently with scenario
// execution, reconciles samples against iteration windows and persists the
// sealed run.
package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/clock"
	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
	"github.com/Root-Branch/cardamon/pkg/cardamon/metrics"
	"github.com/Root-Branch/cardamon/pkg/cardamon/power"
	"github.com/Root-Branch/cardamon/pkg/cardamon/store"
	"github.com/Root-Branch/cardamon/pkg/cardamon/subject"
	"github.com/Root-Branch/cardamon/pkg/cardamon/supervisor"
	"github.com/Root-Branch/cardamon/pkg/cardamon/telemetry"
)

// RunState is the run-level lifecycle. Fatal errors during Initializing or
// SubjectsStarting go straight to Aborted without entering Executing or
// Monitoring.
type RunState int

const (
	Initializing RunState = iota
	SubjectsStarting
	Executing
	Monitoring
	SubjectsStopping
	Finalizing
	Persisted
	Aborted
)

func (s RunState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case SubjectsStarting:
		return "subjects-starting"
	case Executing:
		return "executing"
	case Monitoring:
		return "monitoring"
	case SubjectsStopping:
		return "subjects-stopping"
	case Finalizing:
		return "finalizing"
	case Persisted:
		return "persisted"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ScenarioError records a failed iteration: a command that could not spawn
// or exited non-zero. It does not abort the run unless
// StopOnScenarioFailure is configured.
type ScenarioError struct {
	Scenario  string
	Iteration int
	Err       error
}

func (e *ScenarioError) Error() string {
	return fmt.Sprintf("scenario %q iteration %d failed: %v", e.Scenario, e.Iteration, e.Err)
}

func (e *ScenarioError) Unwrap() error { return e.Err }

// Repository is the persistence surface the orchestrator needs. The sqlite
// store implements it.
type Repository interface {
	metrics.SampleSink
	SaveRun(ctx context.Context, run *store.Run) error
	GetSamples(ctx context.Context, runID string) ([]metrics.Sample, error)
}

// RunSummary reports the outcome of a completed run.
type RunSummary struct {
	RunID           string
	ObservationName string
	StartTime       time.Time
	StopTime        time.Time
	Iterations      []store.Iteration
	FailedIters     int
	Samples         int
	PerSubject      map[string]power.Estimate
	Total           power.Estimate
}

// Orchestrator executes observations. It owns the active subject set and
// exposes it read-only to the sampler.
type Orchestrator struct {
	cfg   *config.Config
	sup   *supervisor.Supervisor
	repo  Repository
	stats metrics.ContainerStatsAPI
	calc  *power.Calculator
	clk   clock.Clock

	mu       sync.RWMutex
	subjects []*subject.Subject
	state    RunState
}

// New creates an orchestrator. statsAPI may be nil when no docker subjects
// will be observed.
func New(cfg *config.Config, sup *supervisor.Supervisor, repo Repository, statsAPI metrics.ContainerStatsAPI, calc *power.Calculator, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Orchestrator{
		cfg:   cfg,
		sup:   sup,
		repo:  repo,
		stats: statsAPI,
		calc:  calc,
		clk:   clk,
	}
}

// ActiveSubjects returns a snapshot of the subject set for the sampler.
func (o *Orchestrator) ActiveSubjects() []*subject.Subject {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*subject.Subject(nil), o.subjects...)
}

// State returns the current run-level state.
func (o *Orchestrator) State() RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	klog.V(2).InfoS("Run state", "state", s)
}

func (o *Orchestrator) setSubjects(subjects []*subject.Subject) {
	o.mu.Lock()
	o.subjects = subjects
	o.mu.Unlock()
}

// Run executes the named observation and returns its summary. Scenario
// observations drive iterations; live observations monitor their processes
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, observationName string) (*RunSummary, error) {
	o.setState(Initializing)

	obs, ok := o.cfg.Observation(observationName)
	if !ok {
		o.setState(Aborted)
		return nil, fmt.Errorf("unknown observation %q", observationName)
	}

	runID, err := newRunID()
	if err != nil {
		o.setState(Aborted)
		return nil, err
	}

	if obs.IsLive() {
		defs, err := o.processDefs(obs.Processes)
		if err != nil {
			o.setState(Aborted)
			return nil, err
		}
		return o.runLive(ctx, runID, obs.Name, defs, nil)
	}
	return o.runScenarios(ctx, runID, obs)
}

// RunExternal runs a live observation over caller-supplied PIDs and
// container names. With externalOnly set no start command is invoked and
// the subjects are left running on teardown.
func (o *Orchestrator) RunExternal(ctx context.Context, pids []int, containers []string, externalOnly bool) (*RunSummary, error) {
	o.setState(Initializing)

	runID, err := newRunID()
	if err != nil {
		o.setState(Aborted)
		return nil, err
	}

	if !externalOnly {
		// Without external-only semantics the supplied names must map to
		// configured processes so they can be started.
		o.setState(Aborted)
		return nil, fmt.Errorf("attach mode requires external-only; name a configured observation to start processes")
	}

	subjects := o.sup.AttachPIDs(pids)
	if len(containers) > 0 {
		attached, err := o.sup.AttachContainers(ctx, containers)
		if err != nil {
			o.setState(Aborted)
			return nil, &supervisor.StartError{Process: "external", Err: err}
		}
		subjects = append(subjects, attached...)
	}
	if len(subjects) == 0 {
		o.setState(Aborted)
		return nil, fmt.Errorf("nothing to observe: no pids or containers supplied")
	}

	return o.runLive(ctx, runID, "live", nil, subjects)
}

func (o *Orchestrator) processDefs(names []string) ([]*config.Process, error) {
	defs := make([]*config.Process, 0, len(names))
	for _, name := range names {
		def, ok := o.cfg.Process(name)
		if !ok {
			return nil, fmt.Errorf("unknown process %q", name)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// startSubjects starts all definitions in parallel and waits for them. On
// any failure the already-started subjects are torn down best-effort.
func (o *Orchestrator) startSubjects(ctx context.Context, defs []*config.Process) ([]*subject.Subject, error) {
	type result struct {
		def  *config.Process
		subj *subject.Subject
		err  error
	}

	results := make(chan result, len(defs))
	for _, def := range defs {
		go func(def *config.Process) {
			subj, err := o.sup.Start(ctx, def)
			results <- result{def: def, subj: subj, err: err}
		}(def)
	}

	var subjects []*subject.Subject
	var firstErr error
	for range defs {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		subjects = append(subjects, res.subj)
	}

	if firstErr != nil {
		o.stopSubjects(ctx, subjects)
		return nil, firstErr
	}
	return subjects, nil
}

// stopSubjects tears subjects down in parallel, best-effort. Externally
// attached subjects are never stopped.
func (o *Orchestrator) stopSubjects(ctx context.Context, subjects []*subject.Subject) {
	var wg sync.WaitGroup
	for _, subj := range subjects {
		if subj.External() {
			continue
		}
		wg.Add(1)
		go func(subj *subject.Subject) {
			defer wg.Done()
			def, _ := o.cfg.Process(subj.Name())
			if err := o.sup.Stop(ctx, def, subj); err != nil {
				// Recoverable by contract: logged by the supervisor,
				// subject is Stopped regardless.
				_ = err
			}
		}(subj)
	}
	wg.Wait()
}

func (o *Orchestrator) runScenarios(ctx context.Context, runID string, obs *config.Observation) (*RunSummary, error) {
	scenarios := make([]*config.Scenario, 0, len(obs.Scenarios))
	procNames := make(map[string]bool)
	var defs []*config.Process
	for _, name := range obs.Scenarios {
		scen, ok := o.cfg.Scenario(name)
		if !ok {
			o.setState(Aborted)
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		scenarios = append(scenarios, scen)
		for _, proc := range scen.Processes {
			if procNames[proc] {
				continue
			}
			procNames[proc] = true
			def, ok := o.cfg.Process(proc)
			if !ok {
				o.setState(Aborted)
				return nil, fmt.Errorf("unknown process %q", proc)
			}
			defs = append(defs, def)
		}
	}

	// Required processes are started exactly once and reused across
	// iterations, not restarted per iteration.
	o.setState(SubjectsStarting)
	subjects, err := o.startSubjects(ctx, defs)
	if err != nil {
		o.setState(Aborted)
		return nil, err
	}
	o.setSubjects(subjects)

	startTime := o.clk.Now()
	flusherDone, stopSampling := o.startSampling(runID)

	o.setState(Executing)
	iterations, iterErr := o.executeScenarios(ctx, runID, scenarios)

	o.setState(SubjectsStopping)
	o.stopSubjects(ctx, subjects)
	o.setSubjects(nil)

	stopTime := o.clk.Now()

	o.setState(Finalizing)
	stopSampling()
	if err := o.awaitFlush(flusherDone); err != nil {
		o.setState(Aborted)
		return nil, err
	}

	run := &store.Run{
		ID:              runID,
		ObservationName: obs.Name,
		StartTime:       startTime,
		StopTime:        stopTime,
		Iterations:      iterations,
	}
	if err := o.repo.SaveRun(ctx, run); err != nil {
		o.setState(Aborted)
		return nil, err
	}
	o.setState(Persisted)

	if iterErr != nil {
		klog.ErrorS(iterErr, "Run completed with scenario failures", "run", runID)
	}
	return o.summarize(ctx, run)
}

func (o *Orchestrator) runLive(ctx context.Context, runID, observationName string, defs []*config.Process, attached []*subject.Subject) (*RunSummary, error) {
	subjects := attached

	if len(defs) > 0 {
		o.setState(SubjectsStarting)
		started, err := o.startSubjects(ctx, defs)
		if err != nil {
			o.setState(Aborted)
			return nil, err
		}
		subjects = append(subjects, started...)
	}
	o.setSubjects(subjects)

	startTime := o.clk.Now()
	flusherDone, stopSampling := o.startSampling(runID)

	o.setState(Monitoring)
	klog.InfoS("Live monitoring, interrupt to stop", "run", runID, "subjects", len(subjects))
	<-ctx.Done()

	// Teardown must not be cancelled by the interrupt that triggered it.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o.setState(SubjectsStopping)
	o.stopSubjects(stopCtx, subjects)
	o.setSubjects(nil)

	stopTime := o.clk.Now()

	o.setState(Finalizing)
	stopSampling()
	if err := o.awaitFlush(flusherDone); err != nil {
		o.setState(Aborted)
		return nil, err
	}

	run := &store.Run{
		ID:              runID,
		ObservationName: observationName,
		StartTime:       startTime,
		StopTime:        stopTime,
	}
	if err := o.repo.SaveRun(stopCtx, run); err != nil {
		o.setState(Aborted)
		return nil, err
	}
	o.setState(Persisted)

	return o.summarize(stopCtx, run)
}

// startSampling wires the sampler to the flusher for this run. The
// returned stop function signals the sampler; the flusher then drains the
// closed channel and reports on the returned channel.
func (o *Orchestrator) startSampling(runID string) (<-chan error, context.CancelFunc) {
	samplerCtx, stopSampling := context.WithCancel(context.Background())

	sampler := metrics.NewSampler(o, o.cfg.Metrics.SampleInterval, o.stats, o.clk)
	flusher := metrics.NewFlusher(runID, o.repo, sampler.Samples(), o.cfg.Metrics.FlushInterval)

	flusherDone := make(chan error, 1)
	go sampler.Run(samplerCtx)
	go func() {
		// Flush with a context independent of run cancellation so
		// samples collected before an interrupt still land.
		flusherDone <- flusher.Run(context.Background())
	}()

	return flusherDone, stopSampling
}

// awaitFlush blocks until the flusher has drained the sampler channel.
// Finalization happens only after this returns, so no sample inside the run
// window is lost to a stop/flush race.
func (o *Orchestrator) awaitFlush(flusherDone <-chan error) error {
	return <-flusherDone
}

// executeScenarios runs every iteration of every scenario sequentially,
// recording 0-based contiguous indices and wall-clock windows. The sampler
// keeps ticking throughout; nothing here blocks it.
func (o *Orchestrator) executeScenarios(ctx context.Context, runID string, scenarios []*config.Scenario) ([]store.Iteration, error) {
	var iterations []store.Iteration
	var firstErr error

	for _, scen := range scenarios {
		for i := 0; i < scen.Iterations; i++ {
			select {
			case <-ctx.Done():
				return iterations, ctx.Err()
			default:
			}

			klog.V(1).InfoS("Running scenario iteration",
				"run", runID,
				"scenario", scen.Name,
				"iteration", i,
				"of", scen.Iterations)

			start := o.clk.Now()
			err := o.runScenarioCommand(ctx, scen.Command)
			stop := o.clk.Now()

			iteration := store.Iteration{
				RunID:        runID,
				ScenarioName: scen.Name,
				Index:        i,
				StartTime:    start,
				StopTime:     stop,
				Failed:       err != nil,
			}
			iterations = append(iterations, iteration)
			telemetry.IterationDuration.WithLabelValues(scen.Name).Observe(stop.Sub(start).Seconds())

			if err != nil {
				scenErr := &ScenarioError{Scenario: scen.Name, Iteration: i, Err: err}
				if firstErr == nil {
					firstErr = scenErr
				}
				klog.ErrorS(scenErr, "Iteration failed", "run", runID)
				if o.cfg.StopOnScenarioFailure {
					return iterations, scenErr
				}
			}
		}
	}
	return iterations, firstErr
}

// runScenarioCommand executes the scenario command synchronously to
// completion. A non-zero exit or spawn failure is the caller's
// iteration-level failure.
func (o *Orchestrator) runScenarioCommand(ctx context.Context, command string) error {
	words, err := supervisor.SplitWords(command)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q: %w (output: %.512s)", command, err, string(out))
	}
	return nil
}

// summarize loads the run's samples back and applies the power model.
func (o *Orchestrator) summarize(ctx context.Context, run *store.Run) (*RunSummary, error) {
	samples, err := o.repo.GetSamples(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	perSubject := o.calc.EstimateBySubject(samples)
	failed := 0
	for _, it := range run.Iterations {
		if it.Failed {
			failed++
		}
	}

	return &RunSummary{
		RunID:           run.ID,
		ObservationName: run.ObservationName,
		StartTime:       run.StartTime,
		StopTime:        run.StopTime,
		Iterations:      run.Iterations,
		FailedIters:     failed,
		Samples:         len(samples),
		PerSubject:      perSubject,
		Total:           power.Total(perSubject),
	}, nil
}
