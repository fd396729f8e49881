package supervisor

import "context"

// ContainerInfo is the minimal view of a live container the supervisor
// needs: its identifier and its primary name.
type ContainerInfo struct {
	ID   string
	Name string
}

// ContainerAPI abstracts the container runtime operations used to resolve
// and tear down docker subjects. The production implementation wraps the
// Docker SDK; tests substitute a fake.
type ContainerAPI interface {
	RunningContainers(ctx context.Context) ([]ContainerInfo, error)
	StopContainer(ctx context.Context, id string) error
}
