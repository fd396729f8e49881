package metrics

import (
	"context"
	"sync"
)

// ContainerStatsAPI is the one-shot CPU counter read the docker sampler
// needs. The production implementation is dockerclient.Client.
type ContainerStatsAPI interface {
	ContainerCPUStats(ctx context.Context, id string) (cpuTotal, systemTotal uint64, onlineCPUs int, err error)
}

// dockerReader derives container CPU utilization from deltas between
// consecutive cumulative counter readings, the same way `docker stats`
// does: cpuDelta / systemDelta * onlineCPUs * 100.
type dockerReader struct {
	api ContainerStatsAPI

	mu   sync.Mutex
	prev map[string]dockerCounters
}

type dockerCounters struct {
	cpu    uint64
	system uint64
}

func newDockerReader(api ContainerStatsAPI) *dockerReader {
	return &dockerReader{api: api, prev: make(map[string]dockerCounters)}
}

// ContainerCPU returns the container's utilization since the previous call
// as a percentage of one core summed across cores, plus the container's
// core count. ok is false when this reading only primed state.
func (r *dockerReader) ContainerCPU(ctx context.Context, id string) (usage float64, cores int, ok bool, err error) {
	cpu, system, cores, err := r.api.ContainerCPUStats(ctx, id)
	if err != nil {
		return 0, 0, false, err
	}

	r.mu.Lock()
	prev, seen := r.prev[id]
	r.prev[id] = dockerCounters{cpu: cpu, system: system}
	r.mu.Unlock()

	if !seen {
		return 0, cores, false, nil
	}

	cpuDelta := float64(cpu) - float64(prev.cpu)
	systemDelta := float64(system) - float64(prev.system)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0, cores, true, nil
	}
	return cpuDelta / systemDelta * float64(cores) * 100, cores, true, nil
}
