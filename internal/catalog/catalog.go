// Package catalog holds the static profile definitions and the dependency
// resolver that decides what can be installed or removed, and in what order.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// HealthCheckSpec describes how a service's health is determined. A nil
// spec means "container exists and is running".
type HealthCheckSpec struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Node     bool   `yaml:"node,omitempty"`
}

// ServiceSpec describes one containerized service of a profile.
type ServiceSpec struct {
	Name        string           `yaml:"name"`
	Profile     string           `yaml:"-"`
	Container   string           `yaml:"container"`
	Image       string           `yaml:"image"`
	Ports       []int            `yaml:"ports,omitempty"`
	HealthCheck *HealthCheckSpec `yaml:"health,omitempty"`
	DataDirs    []string         `yaml:"data_dirs,omitempty"`
}

// Profile is a named, installable bundle of services with declared
// dependencies and conflicts. Profiles are immutable after load.
type Profile struct {
	ID                 string        `yaml:"id"`
	Name               string        `yaml:"name"`
	Services           []ServiceSpec `yaml:"services"`
	DependsOn          []string      `yaml:"depends_on,omitempty"`
	ConflictsWith      []string      `yaml:"conflicts_with,omitempty"`
	RequiresSyncedNode bool          `yaml:"requires_synced_node,omitempty"`
}

// Catalog is the full set of known profiles, in declaration order.
type Catalog struct {
	Profiles []Profile `yaml:"profiles"`

	byID map[string]*Profile
}

// Load parses a catalog from YAML. When path is empty the embedded default
// catalog is used.
func Load(path string) (*Catalog, error) {
	data := defaultCatalogYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		data = b
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	cat.byID = make(map[string]*Profile, len(cat.Profiles))
	for i := range cat.Profiles {
		p := &cat.Profiles[i]
		if p.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
		if _, dup := cat.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q in catalog", p.ID)
		}
		for j := range p.Services {
			p.Services[j].Profile = p.ID
		}
		cat.byID[p.ID] = p
	}

	// Dependency and conflict targets must exist
	for _, p := range cat.Profiles {
		for _, dep := range p.DependsOn {
			if _, ok := cat.byID[dep]; !ok {
				return nil, fmt.Errorf("profile %q depends on unknown profile %q", p.ID, dep)
			}
		}
		for _, c := range p.ConflictsWith {
			if _, ok := cat.byID[c]; !ok {
				return nil, fmt.Errorf("profile %q conflicts with unknown profile %q", p.ID, c)
			}
		}
	}

	return &cat, nil
}

// Profile returns the profile with the given id.
func (c *Catalog) Profile(id string) (*Profile, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Service returns the named service spec, searching every profile.
// When the same service name is declared by several profiles (a shared
// service), the first declaration in catalog order wins.
func (c *Catalog) Service(name string) (*ServiceSpec, bool) {
	for i := range c.Profiles {
		for j := range c.Profiles[i].Services {
			if c.Profiles[i].Services[j].Name == name {
				return &c.Profiles[i].Services[j], true
			}
		}
	}
	return nil, false
}

// ServicesFor returns the service specs of the given selected profiles,
// deduplicated by service name, in catalog declaration order.
func (c *Catalog) ServicesFor(profileIDs []string) []ServiceSpec {
	selected := make(map[string]bool, len(profileIDs))
	for _, id := range profileIDs {
		selected[id] = true
	}

	seen := make(map[string]bool)
	var out []ServiceSpec
	for _, p := range c.Profiles {
		if !selected[p.ID] {
			continue
		}
		for _, s := range p.Services {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	return out
}

// declOrder returns the declaration index of a profile id, used as the
// deterministic tie-breaker for startup ordering.
func (c *Catalog) declOrder(id string) int {
	for i := range c.Profiles {
		if c.Profiles[i].ID == id {
			return i
		}
	}
	return len(c.Profiles)
}
