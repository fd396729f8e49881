// Package dockerclient wraps the Docker SDK behind the narrow interfaces
// the supervisor and sampler consume, so both can be tested without a
// container runtime.
package dockerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/Root-Branch/cardamon/pkg/cardamon/supervisor"
)

// Client talks to the local Docker daemon.
type Client struct {
	api *client.Client
}

// New connects to the Docker daemon using the standard environment
// configuration (DOCKER_HOST etc) with API version negotiation.
func New() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// RunningContainers lists the currently running containers by primary name.
func (c *Client) RunningContainers(ctx context.Context) ([]supervisor.ContainerInfo, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]supervisor.ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			// Docker reports names with a leading slash.
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, supervisor.ContainerInfo{ID: ctr.ID, Name: name})
	}
	return infos, nil
}

// StopContainer stops a container using the daemon's default grace period.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	return c.api.ContainerStop(ctx, id, container.StopOptions{})
}

// ContainerCPUStats returns a one-shot CPU reading for a container: the
// cumulative container CPU time, the cumulative system CPU time and the
// number of online CPUs. Utilization is derived by the sampler from deltas
// between consecutive readings.
func (c *Client) ContainerCPUStats(ctx context.Context, id string) (cpuTotal, systemTotal uint64, onlineCPUs int, err error) {
	resp, err := c.api.ContainerStats(ctx, id, false)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to fetch stats for container %s: %w", id, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode stats for container %s: %w", id, err)
	}

	cpus := int(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = len(stats.CPUStats.CPUUsage.PercpuUsage)
	}
	return stats.CPUStats.CPUUsage.TotalUsage, stats.CPUStats.SystemUsage, cpus, nil
}
