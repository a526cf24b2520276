package runtime

import (
	"context"
	"io"
)

// Container represents a container known to the runtime
type Container struct {
	ID       string
	Image    string
	Name     string
	Status   string
	ExitCode int
	Ports    []int
	Labels   map[string]string
}

// HealthState is the runtime-reported health of a container, when the
// image declares a healthcheck.
type HealthState struct {
	HasHealthcheck bool
	Status         string // "starting", "healthy", "unhealthy"
}

// ContainerConfig holds configuration for creating a container
type ContainerConfig struct {
	Image      string
	Name       string
	Env        []string
	Ports      []int
	Labels     map[string]string
	Cmd        []string
	Volumes    map[string]string // map[containerPath]volumeName
	AutoRemove bool
}

// Runtime interface defines the contract for container runtime implementations
type Runtime interface {
	// Container lifecycle
	CreateContainer(ctx context.Context, config *ContainerConfig) (*Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RestartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// Container inspection
	ListContainers(ctx context.Context, all bool) ([]*Container, error)
	InspectContainer(ctx context.Context, containerID string) (*Container, error)
	FindContainerByName(ctx context.Context, name string) (*Container, error)
	GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)

	// Health and status
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
	GetContainerHealth(ctx context.Context, containerID string) (HealthState, error)

	// Image operations
	PullImage(ctx context.Context, image string) error

	// Runtime information
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)
}
