package metrics

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
	"github.com/Root-Branch/cardamon/pkg/cardamon/telemetry"
)

// SampleSink receives batched samples for a run. The run repository
// implements it.
type SampleSink interface {
	InsertSamples(ctx context.Context, runID string, samples []Sample) error
}

// Flusher drains the sampler channel and batches samples into the sink at a
// coarser interval, bounding memory for long-running live-monitor sessions.
// Per-subject timestamp order is preserved: there is a single consumer and
// batches are appended in receipt order.
type Flusher struct {
	runID    string
	sink     SampleSink
	in       <-chan Sample
	interval time.Duration
	// flushed counts samples successfully persisted, for tests and logs.
	flushed int
}

func NewFlusher(runID string, sink SampleSink, in <-chan Sample, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = config.DefaultFlushInterval
	}
	return &Flusher{
		runID:    runID,
		sink:     sink,
		in:       in,
		interval: interval,
	}
}

// Run consumes samples until the input channel is closed, then performs a
// final flush so no sample inside the run window is lost to a stop/flush
// race. The passed context is used for persistence only, never as an exit
// signal: shutdown is driven by channel close.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var batch []Sample
	for {
		select {
		case sample, open := <-f.in:
			if !open {
				if err := f.flush(ctx, batch); err != nil {
					return err
				}
				klog.V(2).InfoS("Flusher drained", "run", f.runID, "samples", f.flushed)
				return nil
			}
			batch = append(batch, sample)
		case <-ticker.C:
			if err := f.flush(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
}

// Flushed returns how many samples have been persisted so far.
func (f *Flusher) Flushed() int { return f.flushed }

func (f *Flusher) flush(ctx context.Context, batch []Sample) error {
	if len(batch) == 0 {
		return nil
	}
	if err := f.sink.InsertSamples(ctx, f.runID, batch); err != nil {
		return err
	}
	f.flushed += len(batch)
	telemetry.SampleFlushes.Inc()
	klog.V(3).InfoS("Flushed samples", "run", f.runID, "count", len(batch))
	return nil
}
