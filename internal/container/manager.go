// Package container manages the lifecycle of the stack's service
// containers, translating validated profile changes into runtime
// operations and keeping the installation record current.
package container

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"dagstack/internal/catalog"
	"dagstack/internal/events"
	"dagstack/internal/state"
	"dagstack/pkg/runtime"
)

const managedLabel = "dagstack.managed"

// Manager applies resolved profile changes. It runs only in the installer
// process, which holds the state store's writer lock.
type Manager struct {
	catalog *catalog.Catalog
	runtime runtime.Runtime
	store   *state.Store
	bus     events.EventBus
}

// NewManager creates a manager over the given catalog, runtime and store.
func NewManager(cat *catalog.Catalog, rt runtime.Runtime, store *state.Store, bus events.EventBus) *Manager {
	return &Manager{
		catalog: cat,
		runtime: rt,
		store:   store,
		bus:     bus,
	}
}

// Runtime exposes the underlying container runtime for callers that need
// direct inspection, such as the health checker.
func (m *Manager) Runtime() runtime.Runtime {
	return m.runtime
}

// Install brings up the given profiles from scratch, in dependency
// startup order, and persists the resulting installation record. The
// record's phase moves pending → installing → complete, or error when a
// service cannot be brought up.
func (m *Manager) Install(ctx context.Context, profiles []string) error {
	graph, err := m.catalog.BuildGraph(profiles)
	if err != nil {
		return err
	}
	order, err := graph.StartupOrder()
	if err != nil {
		return err
	}

	st := state.New(graph.Nodes())
	st.Phase = state.PhaseInstalling
	st.OperatorBusy = true
	if err := m.store.Write(st); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, profile := range order {
		for _, spec := range profile.Services {
			if seen[spec.Name] {
				continue
			}
			seen[spec.Name] = true

			entry, err := m.ensureService(ctx, spec)
			if err != nil {
				st.Phase = state.PhaseError
				st.OperatorBusy = false
				if werr := m.store.Write(st); werr != nil {
					log.Error().Err(werr).Msg("Failed to persist error phase")
				}
				return fmt.Errorf("failed to bring up service %s: %w", spec.Name, err)
			}
			st.Services = append(st.Services, *entry)
		}
	}

	st.Phase = state.PhaseComplete
	st.OperatorBusy = false
	if err := m.store.Write(st); err != nil {
		return err
	}

	m.publishChange(st)
	log.Info().Strs("profiles", st.Profiles).Int("services", len(st.Services)).Msg("Installation complete")
	return nil
}

// Add installs one additional profile into an existing installation.
// Validation must have passed before calling.
func (m *Manager) Add(ctx context.Context, id string) error {
	st, err := m.store.Read()
	if err != nil {
		return err
	}

	res := m.catalog.ValidateAddition(id, st.Profiles)
	if !res.CanAdd {
		return fmt.Errorf("cannot add profile %q: %s", id, strings.Join(res.Errors, "; "))
	}
	for _, w := range res.Warnings {
		log.Warn().Str("profile", id).Msg(w)
	}

	profile, _ := m.catalog.Profile(id)

	st.Profiles = append(st.Profiles, id)
	st.Phase = state.PhaseInstalling
	st.OperatorBusy = true
	if err := m.store.Write(st); err != nil {
		return err
	}

	for _, spec := range profile.Services {
		if _, exists := st.ServiceByName(spec.Name); exists {
			continue // shared service already up
		}
		entry, err := m.ensureService(ctx, spec)
		if err != nil {
			st.Phase = state.PhaseError
			st.OperatorBusy = false
			if werr := m.store.Write(st); werr != nil {
				log.Error().Err(werr).Msg("Failed to persist error phase")
			}
			return fmt.Errorf("failed to bring up service %s: %w", spec.Name, err)
		}
		st.Services = append(st.Services, *entry)
	}

	st.Phase = state.PhaseComplete
	st.OperatorBusy = false
	if err := m.store.Write(st); err != nil {
		return err
	}

	m.publishChange(st)
	log.Info().Str("profile", id).Msg("Profile added")
	return nil
}

// Remove takes one profile out of the installation, stopping and removing
// the containers no other selected profile shares.
func (m *Manager) Remove(ctx context.Context, id string) error {
	st, err := m.store.Read()
	if err != nil {
		return err
	}

	res := m.catalog.ValidateRemoval(id, st.Profiles)
	if !res.CanRemove {
		return fmt.Errorf("cannot remove profile %q: %s", id, strings.Join(res.Errors, "; "))
	}
	for _, w := range res.Warnings {
		log.Warn().Str("profile", id).Msg(w)
	}

	shared := make(map[string]bool, len(res.Impact.SharedServices))
	for _, s := range res.Impact.SharedServices {
		shared[s] = true
	}

	remaining := make([]string, 0, len(st.Profiles))
	for _, p := range st.Profiles {
		if p != id {
			remaining = append(remaining, p)
		}
	}

	st.Profiles = remaining
	st.OperatorBusy = true

	kept := st.Services[:0]
	for _, entry := range st.Services {
		if entry.Profile != id || shared[entry.Name] {
			if entry.Profile == id {
				// Reassign shared services to a surviving owner.
				if owner := m.survivingOwner(entry.Name, remaining); owner != "" {
					entry.Profile = owner
				}
			}
			kept = append(kept, entry)
			continue
		}

		if err := m.teardownService(ctx, entry); err != nil {
			log.Warn().Err(err).Str("service", entry.Name).Msg("Failed to tear down service")
		}
	}
	st.Services = kept
	st.OperatorBusy = false

	if err := m.store.Write(st); err != nil {
		return err
	}

	m.publishChange(st)
	log.Info().Str("profile", id).Msg("Profile removed")
	return nil
}

// Refresh re-inspects every recorded service and updates its running and
// exists flags, then persists the refreshed record.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.store.Update(func(st *state.InstallationState) error {
		for i := range st.Services {
			entry := &st.Services[i]
			c, err := m.runtime.FindContainerByName(ctx, entry.ContainerName)
			if err != nil {
				log.Warn().Err(err).Str("service", entry.Name).Msg("Could not refresh service state")
				continue
			}
			entry.Exists = c != nil
			entry.Running = c != nil && c.Status == "running"
		}
		return nil
	})
}

// TailLogs opens a follow-mode log stream for a service, for the
// broadcast layer's log multiplexer.
func (m *Manager) TailLogs(ctx context.Context, service string) (io.ReadCloser, error) {
	spec, ok := m.catalog.Service(service)
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	c, err := m.runtime.FindContainerByName(ctx, spec.Container)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("no container found for service %q", service)
	}
	return m.runtime.GetContainerLogs(ctx, c.ID, true, "100")
}

// Diagnostics collects container state and recent logs for a service, for
// the fallback engine's troubleshoot strategy.
func (m *Manager) Diagnostics(ctx context.Context, service string) (string, error) {
	spec, ok := m.catalog.Service(service)
	if !ok {
		return "", fmt.Errorf("unknown service %q", service)
	}

	c, err := m.runtime.FindContainerByName(ctx, spec.Container)
	if err != nil {
		return "", fmt.Errorf("container runtime unavailable: %w", err)
	}
	if c == nil {
		return fmt.Sprintf("container %s does not exist", spec.Container), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "container: %s\nstatus: %s\nexit code: %d\n\n", c.Name, c.Status, c.ExitCode)

	reader, err := m.runtime.GetContainerLogs(ctx, c.ID, false, "50")
	if err != nil {
		fmt.Fprintf(&b, "logs unavailable: %v\n", err)
		return b.String(), nil
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, 64*1024))
	if err != nil {
		fmt.Fprintf(&b, "log read failed: %v\n", err)
		return b.String(), nil
	}
	b.Write(data)
	return b.String(), nil
}

// ensureService makes sure a service's container exists and is running,
// creating it (with an image pull) when missing and starting it when
// stopped.
func (m *Manager) ensureService(ctx context.Context, spec catalog.ServiceSpec) (*state.ServiceEntry, error) {
	entry := &state.ServiceEntry{
		Name:          spec.Name,
		Profile:       spec.Profile,
		ContainerName: spec.Container,
		Ports:         append([]int(nil), spec.Ports...),
	}

	existing, err := m.runtime.FindContainerByName(ctx, spec.Container)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if err := m.runtime.PullImage(ctx, spec.Image); err != nil {
			return nil, err
		}

		volumes := make(map[string]string, len(spec.DataDirs))
		for _, dir := range spec.DataDirs {
			volumes[dir] = volumeName(spec.Name, dir)
		}

		created, err := m.runtime.CreateContainer(ctx, &runtime.ContainerConfig{
			Image:   spec.Image,
			Name:    spec.Container,
			Ports:   spec.Ports,
			Volumes: volumes,
			Labels: map[string]string{
				managedLabel:        "true",
				"dagstack.service":  spec.Name,
				"dagstack.profile":  spec.Profile,
			},
		})
		if err != nil {
			return nil, err
		}
		existing = created
	}

	if existing.Status != "running" {
		if err := m.runtime.StartContainer(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	entry.Exists = true
	entry.Running = true
	return entry, nil
}

func (m *Manager) teardownService(ctx context.Context, entry state.ServiceEntry) error {
	c, err := m.runtime.FindContainerByName(ctx, entry.ContainerName)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}

	if c.Status == "running" {
		if err := m.runtime.StopContainer(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("container", c.ID).Msg("Failed to stop container, forcing removal")
		}
	}
	return m.runtime.RemoveContainer(ctx, c.ID, true)
}

// survivingOwner finds a remaining selected profile that declares the
// service, so shared entries keep a valid profile reference.
func (m *Manager) survivingOwner(service string, remaining []string) string {
	for _, id := range remaining {
		p, ok := m.catalog.Profile(id)
		if !ok {
			continue
		}
		for _, s := range p.Services {
			if s.Name == service {
				return id
			}
		}
	}
	return ""
}

func (m *Manager) publishChange(st *state.InstallationState) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(events.Event{
		Type: events.InstallationChanged,
		Data: st.Summary,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to publish installation change")
	}
}

// volumeName derives a stable volume name from a service and mount path.
func volumeName(service, containerPath string) string {
	suffix := strings.Trim(strings.ReplaceAll(containerPath, "/", "-"), "-")
	return fmt.Sprintf("dagstack-%s-%s", service, suffix)
}
