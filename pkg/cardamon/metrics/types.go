package metrics

import (
	"fmt"
	"time"
)

// Sample is one CPU reading for one subject. Immutable once produced.
//
// CPUUsage is the subject's utilization as a percentage of a single core
// summed across cores (0..100*cores). TotalCPUUsage is the system-wide
// utilization percentage (0..100) taken at the same instant.
type Sample struct {
	SubjectID     string
	SubjectName   string
	CPUUsage      float64
	TotalCPUUsage float64
	CoreCount     int
	Timestamp     time.Time
}

// CollectionError marks a failed reading for one subject on one tick. It is
// recoverable: the tick is skipped for that subject only and the sampler
// keeps going.
type CollectionError struct {
	Subject string
	Err     error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("failed to sample subject %q: %v", e.Subject, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }
