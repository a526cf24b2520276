package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"dagstack/pkg/runtime"
)

// DockerRuntime implements the Runtime interface using the Docker API
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a new Docker runtime instance. An empty
// socketPath uses the environment defaults.
func NewDockerRuntime(socketPath string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		if !strings.Contains(socketPath, "://") {
			socketPath = "unix://" + socketPath
		}
		opts = append(opts, client.WithHost(socketPath))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerRuntime{client: cli}, nil
}

// CreateContainer creates a new container with fixed host-port bindings.
func (d *DockerRuntime) CreateContainer(ctx context.Context, config *runtime.ContainerConfig) (*runtime.Container, error) {
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)

	for _, port := range config.Ports {
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposedPorts[containerPort] = struct{}{}

		// The stack relies on well-known ports, so host ports mirror
		// container ports instead of being randomly assigned.
		portBindings[containerPort] = []nat.PortBinding{
			{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(port),
			},
		}
	}

	var binds []string
	for containerPath, volumeName := range config.Volumes {
		binds = append(binds, fmt.Sprintf("%s:%s", volumeName, containerPath))
	}

	containerConfig := &container.Config{
		Image:        config.Image,
		Env:          config.Env,
		ExposedPorts: exposedPorts,
		Cmd:          config.Cmd,
		Labels:       config.Labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		AutoRemove:   config.AutoRemove,
		Binds:        binds,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	log.Info().Str("id", resp.ID).Str("name", config.Name).Str("image", config.Image).Msg("Container created")

	return d.InspectContainer(ctx, resp.ID)
}

// StartContainer starts a container
func (d *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}

	log.Info().Str("id", containerID).Msg("Container started")
	return nil
}

// StopContainer stops a container
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	timeout := 30 // seconds
	err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	log.Info().Str("id", containerID).Msg("Container stopped")
	return nil
}

// RestartContainer restarts a container
func (d *DockerRuntime) RestartContainer(ctx context.Context, containerID string) error {
	timeout := 30 // seconds
	err := d.client.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("failed to restart container %s: %w", containerID, err)
	}

	log.Info().Str("id", containerID).Msg("Container restarted")
	return nil
}

// RemoveContainer removes a container
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	log.Info().Str("id", containerID).Msg("Container removed")
	return nil
}

// ListContainers lists containers, optionally including stopped ones
func (d *DockerRuntime) ListContainers(ctx context.Context, all bool) ([]*runtime.Container, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]*runtime.Container, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		var ports []int
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				ports = append(ports, int(p.PublicPort))
			}
		}

		result = append(result, &runtime.Container{
			ID:     c.ID,
			Image:  c.Image,
			Name:   name,
			Status: c.State,
			Ports:  ports,
			Labels: c.Labels,
		})
	}
	return result, nil
}

// InspectContainer returns details of a single container
func (d *DockerRuntime) InspectContainer(ctx context.Context, containerID string) (*runtime.Container, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	var ports []int
	if info.NetworkSettings != nil {
		for _, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				if p, err := strconv.Atoi(b.HostPort); err == nil {
					ports = append(ports, p)
				}
			}
		}
	}

	c := &runtime.Container{
		ID:     info.ID,
		Image:  info.Config.Image,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Ports:  ports,
		Labels: info.Config.Labels,
	}
	if info.State != nil {
		c.Status = info.State.Status
		c.ExitCode = info.State.ExitCode
	}
	return c, nil
}

// FindContainerByName returns the container with the exact name, or nil
// when no such container exists.
func (d *DockerRuntime) FindContainerByName(ctx context.Context, name string) (*runtime.Container, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	// The name filter matches substrings; require an exact match.
	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return d.InspectContainer(ctx, c.ID)
			}
		}
	}
	return nil, nil
}

// GetContainerLogs returns a log stream for a container
func (d *DockerRuntime) GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	if tail == "" {
		tail = "all"
	}
	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: false,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for container %s: %w", containerID, err)
	}
	return reader, nil
}

// IsContainerRunning reports whether a container is running
func (d *DockerRuntime) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return info.State != nil && info.State.Running, nil
}

// GetContainerHealth returns the runtime-reported health of a container.
func (d *DockerRuntime) GetContainerHealth(ctx context.Context, containerID string) (runtime.HealthState, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return runtime.HealthState{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	if info.State == nil || info.State.Health == nil {
		return runtime.HealthState{HasHealthcheck: false}, nil
	}
	return runtime.HealthState{
		HasHealthcheck: true,
		Status:         strings.ToLower(info.State.Health.Status),
	}, nil
}

// PullImage pulls an image from a registry
func (d *DockerRuntime) PullImage(ctx context.Context, imageRef string) error {
	reader, err := d.client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// Drain the progress stream so the pull completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull progress for %s: %w", imageRef, err)
	}

	log.Info().Str("image", imageRef).Msg("Image pulled")
	return nil
}

// Ping checks connectivity to the Docker daemon
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return nil
}

// Version returns the Docker daemon version
func (d *DockerRuntime) Version(ctx context.Context) (string, error) {
	version, err := d.client.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get Docker version: %w", err)
	}
	return version.Version, nil
}
