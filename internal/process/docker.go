package process

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/HyphaGroup/lattice/internal/task"
)

// DefaultLabelPrefix namespaces the container labels read by DockerRegistry
const DefaultLabelPrefix = "io.lattice"

type containerLister interface {
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error)
}

// DockerRegistry treats containers labelled <prefix>.minion_id as
// background processes of that minion.
type DockerRegistry struct {
	client containerLister
	closer func() error
	prefix string
}

var _ Registry = (*DockerRegistry)(nil)

// NewDockerRegistry connects to the daemon from the environment
func NewDockerRegistry(labelPrefix string) (*DockerRegistry, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	r := newDockerRegistry(cli, labelPrefix)
	r.closer = cli.Close
	return r, nil
}

func newDockerRegistry(c containerLister, labelPrefix string) *DockerRegistry {
	if labelPrefix == "" {
		labelPrefix = DefaultLabelPrefix
	}
	return &DockerRegistry{client: c, prefix: labelPrefix}
}

func (r *DockerRegistry) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func (r *DockerRegistry) minionLabel() string { return r.prefix + ".minion_id" }
func (r *DockerRegistry) nameLabel() string   { return r.prefix + ".display_name" }

// List returns every labelled container, stopped ones included, oldest first
func (r *DockerRegistry) List(ctx context.Context) ([]task.Process, error) {
	containers, err := r.client.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", r.minionLabel())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]task.Process, 0, len(containers))
	for _, c := range containers {
		if p, ok := r.processFromContainer(c); ok {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *DockerRegistry) processFromContainer(c dockercontainer.Summary) (task.Process, bool) {
	minionID := c.Labels[r.minionLabel()]
	if minionID == "" {
		return task.Process{}, false
	}

	name := c.Labels[r.nameLabel()]
	if name == "" && len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	status := StatusReported
	if string(c.State) == "running" {
		status = StatusRunning
	}

	return task.Process{
		ID:          c.ID,
		MinionID:    minionID,
		Status:      status,
		DisplayName: name,
		StartTime:   time.Unix(c.Created, 0),
	}, true
}
