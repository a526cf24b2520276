// Package testutil provides shared test doubles and helpers.
package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"dagstack/pkg/runtime"
)

// FakeRuntime is an in-memory runtime.Runtime for tests. Containers are
// keyed by ID; all operations are safe for concurrent use.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*runtime.Container
	health     map[string]runtime.HealthState
	logs       map[string]string
	pulled     []string
	nextID     int

	// FailWith, when set, makes every operation return this error.
	FailWith error
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*runtime.Container),
		health:     make(map[string]runtime.HealthState),
		logs:       make(map[string]string),
	}
}

// AddContainer seeds a container and returns its generated ID.
func (f *FakeRuntime) AddContainer(name, image, status string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &runtime.Container{
		ID:     id,
		Name:   name,
		Image:  image,
		Status: status,
	}
	return id
}

// SetStatus changes a seeded container's status.
func (f *FakeRuntime) SetStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Status = status
	}
}

// SetHealth sets the runtime-reported health for a container.
func (f *FakeRuntime) SetHealth(id string, hs runtime.HealthState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[id] = hs
}

// SetLogs sets the log content returned for a container.
func (f *FakeRuntime) SetLogs(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[id] = content
}

// PulledImages returns every image pulled so far.
func (f *FakeRuntime) PulledImages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, config *runtime.ContainerConfig) (*runtime.Container, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	c := &runtime.Container{
		ID:     id,
		Name:   config.Name,
		Image:  config.Image,
		Status: "created",
		Ports:  append([]int(nil), config.Ports...),
		Labels: config.Labels,
	}
	f.containers[id] = c
	cp := *c
	return &cp, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	return f.setStatusChecked(containerID, "running")
}

func (f *FakeRuntime) StopContainer(ctx context.Context, containerID string) error {
	return f.setStatusChecked(containerID, "exited")
}

func (f *FakeRuntime) RestartContainer(ctx context.Context, containerID string) error {
	return f.setStatusChecked(containerID, "running")
}

func (f *FakeRuntime) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if f.FailWith != nil {
		return f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *FakeRuntime) ListContainers(ctx context.Context, all bool) ([]*runtime.Container, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*runtime.Container
	for _, c := range f.containers {
		if !all && c.Status != "running" {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FakeRuntime) InspectContainer(ctx context.Context, containerID string) (*runtime.Container, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}
	cp := *c
	return &cp, nil
}

func (f *FakeRuntime) FindContainerByName(ctx context.Context, name string) (*runtime.Container, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeRuntime) GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.Lock()
	content := f.logs[containerID]
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(content)), nil
}

func (f *FakeRuntime) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	if f.FailWith != nil {
		return false, f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return false, fmt.Errorf("no such container: %s", containerID)
	}
	return c.Status == "running", nil
}

func (f *FakeRuntime) GetContainerHealth(ctx context.Context, containerID string) (runtime.HealthState, error) {
	if f.FailWith != nil {
		return runtime.HealthState{}, f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[containerID], nil
}

func (f *FakeRuntime) PullImage(ctx context.Context, image string) error {
	if f.FailWith != nil {
		return f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *FakeRuntime) Ping(ctx context.Context) error {
	return f.FailWith
}

func (f *FakeRuntime) Version(ctx context.Context) (string, error) {
	if f.FailWith != nil {
		return "", f.FailWith
	}
	return "fake-runtime 1.0", nil
}

func (f *FakeRuntime) setStatusChecked(containerID, status string) error {
	if f.FailWith != nil {
		return f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.Status = status
	return nil
}

// TestContext creates a test context with timeout.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventuallyTrue retries a condition until it's true or times out.
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition never became true: %s", message)
}
