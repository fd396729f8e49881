// Package telemetry exposes cardamon's own operational metrics. They are
// served from the query API's /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cardamon"

var (
	// SamplesCollected counts CPU samples successfully collected per subject.
	SamplesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_collected_total",
			Help:      "Number of CPU samples collected per subject",
		},
		[]string{"subject"},
	)

	// SampleErrors counts per-tick collection failures per subject.
	SampleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_errors_total",
			Help:      "Number of failed sample collections per subject",
		},
		[]string{"subject"},
	)

	// SampleFlushes counts batches persisted to the run repository.
	SampleFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_flushes_total",
			Help:      "Number of sample batches flushed to storage",
		},
	)

	// ActiveSubjects tracks how many subjects the sampler is polling.
	ActiveSubjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subjects",
			Help:      "Number of subjects currently tracked by the sampler",
		},
	)

	// SubjectCPUUsage is the most recent CPU reading per subject.
	SubjectCPUUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subject_cpu_usage_percent",
			Help:      "Last sampled CPU usage per subject (percent of one core, summed across cores)",
		},
		[]string{"subject"},
	)

	// IterationDuration observes scenario iteration wall-clock times.
	IterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Wall-clock duration of scenario iterations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"scenario"},
	)
)

func init() {
	prometheus.MustRegister(
		SamplesCollected,
		SampleErrors,
		SampleFlushes,
		ActiveSubjects,
		SubjectCPUUsage,
		IterationDuration,
	)
}
