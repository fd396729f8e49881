package metrics

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/clock"
	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
	"github.com/Root-Branch/cardamon/pkg/cardamon/subject"
	"github.com/Root-Branch/cardamon/pkg/cardamon/telemetry"
)

// SubjectView is the read-only view of the active subject set the sampler
// polls. The orchestrator owns the set; the sampler never mutates subjects.
type SubjectView interface {
	ActiveSubjects() []*subject.Subject
}

// Sampler polls CPU utilization for all running subjects on a fixed cadence,
// independent of workload execution, and emits timestamped samples on a
// bounded channel. It degrades gracefully: a subject that errors on a tick
// is skipped for that tick only.
type Sampler struct {
	view     SubjectView
	interval time.Duration
	proc     *procReader
	docker   *dockerReader
	clk      clock.Clock
	out      chan Sample
}

// NewSampler creates a sampler. statsAPI may be nil when no docker subjects
// will be observed.
func NewSampler(view SubjectView, interval time.Duration, statsAPI ContainerStatsAPI, clk clock.Clock) *Sampler {
	if interval <= 0 {
		interval = config.DefaultSampleInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Sampler{
		view:     view,
		interval: interval,
		proc:     newProcReader(),
		clk:      clk,
		out:      make(chan Sample, 4096),
	}
	if statsAPI != nil {
		s.docker = newDockerReader(statsAPI)
	}
	return s
}

// Samples returns the channel samples are emitted on. It is closed when Run
// returns, which is the drain signal for the flusher.
func (s *Sampler) Samples() <-chan Sample {
	return s.out
}

// Run ticks until ctx is cancelled. It must never be blocked by the
// executor: a full output channel drops the sample rather than stalling
// the tick loop.
func (s *Sampler) Run(ctx context.Context) {
	defer close(s.out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	klog.V(2).InfoS("Sampler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			klog.V(2).InfoS("Sampler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	subjects := s.view.ActiveSubjects()
	telemetry.ActiveSubjects.Set(float64(len(subjects)))

	totalCPU, err := s.proc.SystemCPU()
	if err != nil {
		klog.V(2).InfoS("Failed to read system CPU, skipping tick", "error", err)
		return
	}
	now := s.clk.Now()

	for _, subj := range subjects {
		if subj.State() != subject.Running {
			continue
		}

		samples, err := s.sampleSubject(ctx, subj, totalCPU, now)
		if err != nil {
			cerr := &CollectionError{Subject: subj.Name(), Err: err}
			telemetry.SampleErrors.WithLabelValues(subj.Name()).Inc()
			klog.V(2).InfoS("Skipping subject for this tick", "subject", subj.Name(), "error", cerr)
			continue
		}

		for _, sample := range samples {
			telemetry.SamplesCollected.WithLabelValues(subj.Name()).Inc()
			telemetry.SubjectCPUUsage.WithLabelValues(subj.Name()).Set(sample.CPUUsage)

			select {
			case s.out <- sample:
			default:
				klog.V(1).InfoS("Sample channel full, dropping sample", "subject", subj.Name())
			}
		}
	}
}

// sampleSubject returns the samples for one subject on one tick. An empty
// slice without error means the reading only primed delta state.
func (s *Sampler) sampleSubject(ctx context.Context, subj *subject.Subject, totalCPU float64, now time.Time) ([]Sample, error) {
	switch subj.Kind() {
	case config.KindBaremetal:
		usage, ok, err := s.proc.ProcessCPU(subj.PID(), now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []Sample{{
			SubjectID:     subj.ID(),
			SubjectName:   subj.Name(),
			CPUUsage:      usage,
			TotalCPUUsage: totalCPU,
			CoreCount:     s.proc.CoreCount(),
			Timestamp:     now,
		}}, nil

	case config.KindDocker:
		if s.docker == nil {
			return nil, fmt.Errorf("no container stats source configured")
		}
		// A docker subject may span several containers; emit one sample
		// per container that answered.
		var samples []Sample
		for _, id := range subj.ContainerIDs() {
			usage, cores, ok, err := s.docker.ContainerCPU(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			samples = append(samples, Sample{
				SubjectID:     id,
				SubjectName:   subj.Name(),
				CPUUsage:      usage,
				TotalCPUUsage: totalCPU,
				CoreCount:     cores,
				Timestamp:     now,
			})
		}
		return samples, nil
	}
	return nil, nil
}
