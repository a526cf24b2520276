// Package state implements the shared installation-state store: a single
// JSON record on disk that the installer writes and the monitor watches.
package state

import (
	"fmt"
	"time"
)

// SchemaVersion is the version written into new installation records.
// Readers accept any 1.x record; missing optional fields default.
const SchemaVersion = "1.0.0"

// Phase is the lifecycle phase of an installation.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseInstalling Phase = "installing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// IsValid reports whether the phase is one of the known values.
func (p Phase) IsValid() bool {
	switch p {
	case PhasePending, PhaseInstalling, PhaseComplete, PhaseError:
		return true
	}
	return false
}

// ServiceEntry records one service of the installation and its last
// observed container state.
type ServiceEntry struct {
	Name          string `json:"name"`
	Profile       string `json:"profile"`
	Running       bool   `json:"running"`
	Exists        bool   `json:"exists"`
	ContainerName string `json:"containerName"`
	Ports         []int  `json:"ports,omitempty"`
}

// Summary aggregates the service entries. It must always equal a
// recomputation over Services; Normalize enforces that before every write.
type Summary struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Missing int `json:"missing"`
}

// FallbackRecord is persisted when the fallback engine redirects dependents
// of a failed service to an alternate endpoint. It is created only by the
// fallback engine and cleared when the operator explicitly reverts.
type FallbackRecord struct {
	FailedService      string            `json:"failedService"`
	Strategy           string            `json:"strategy"`
	RedirectedServices []string          `json:"redirectedServices"`
	AlternateEndpoints map[string]string `json:"alternateEndpoints"`
	ActivatedAt        time.Time         `json:"activatedAt"`
}

// InstallationState is the single persisted record of what is installed.
// It is mutated only by the installer process; the monitor process reads
// and watches it.
type InstallationState struct {
	SchemaVersion string            `json:"schemaVersion"`
	InstalledAt   time.Time         `json:"installedAt"`
	LastModified  time.Time         `json:"lastModified"`
	Phase         Phase             `json:"phase"`
	Profiles      []string          `json:"profiles"`
	ProfileCount  int               `json:"profileCount"`
	Config        map[string]string `json:"config,omitempty"`
	Services      []ServiceEntry    `json:"services"`
	Summary       Summary           `json:"summary"`
	OperatorBusy  bool              `json:"operatorBusy,omitempty"`
	Fallback      *FallbackRecord   `json:"fallback,omitempty"`
}

// New creates a fresh pending installation record for the given profiles.
func New(profiles []string) *InstallationState {
	now := time.Now().UTC()
	s := &InstallationState{
		SchemaVersion: SchemaVersion,
		InstalledAt:   now,
		LastModified:  now,
		Phase:         PhasePending,
		Profiles:      append([]string(nil), profiles...),
		Config:        make(map[string]string),
	}
	s.Normalize()
	return s
}

// Normalize recomputes the derived fields (profile count and summary) from
// the authoritative slices.
func (s *InstallationState) Normalize() {
	s.ProfileCount = len(s.Profiles)

	sum := Summary{Total: len(s.Services)}
	for _, svc := range s.Services {
		switch {
		case !svc.Exists:
			sum.Missing++
		case svc.Running:
			sum.Running++
		default:
			sum.Stopped++
		}
	}
	s.Summary = sum
}

// Validate enforces the schema invariants. It runs on every write, not
// just on read, so an invalid record is never persisted.
func (s *InstallationState) Validate() error {
	if s.SchemaVersion == "" {
		return fmt.Errorf("missing schemaVersion")
	}
	if s.InstalledAt.IsZero() {
		return fmt.Errorf("missing installedAt")
	}
	if !s.Phase.IsValid() {
		return fmt.Errorf("invalid phase %q", s.Phase)
	}

	selected := make(map[string]bool, len(s.Profiles))
	for _, p := range s.Profiles {
		if p == "" {
			return fmt.Errorf("empty profile id in profiles list")
		}
		selected[p] = true
	}
	for _, svc := range s.Services {
		if svc.Name == "" {
			return fmt.Errorf("service entry with empty name")
		}
		if !selected[svc.Profile] {
			return fmt.Errorf("service %q references profile %q which is not selected", svc.Name, svc.Profile)
		}
	}
	return nil
}

// HasProfile reports whether the given profile id is selected.
func (s *InstallationState) HasProfile(id string) bool {
	for _, p := range s.Profiles {
		if p == id {
			return true
		}
	}
	return false
}

// ServiceByName returns the service entry with the given name.
func (s *InstallationState) ServiceByName(name string) (*ServiceEntry, bool) {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i], true
		}
	}
	return nil, false
}
