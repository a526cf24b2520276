package catalog

import (
	"fmt"
)

// AdditionResult is the outcome of validating a profile addition.
type AdditionResult struct {
	CanAdd   bool
	Errors   []string
	Warnings []string
}

// RemovalImpact describes what a profile removal would affect.
type RemovalImpact struct {
	DependentProfiles []string
	SharedServices    []string
}

// RemovalResult is the outcome of validating a profile removal.
type RemovalResult struct {
	CanRemove bool
	Errors    []string
	Warnings  []string
	Impact    RemovalImpact
}

// ValidateAddition checks whether a profile can be added to the current
// selection: conflicts, missing dependencies, and the synced-node
// rule. A profile that requires a synced foundational node may be added,
// but a warning is emitted until that node reports healthy.
func (c *Catalog) ValidateAddition(id string, current []string) AdditionResult {
	res := AdditionResult{}

	candidate, ok := c.byID[id]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown profile %q", id))
		return res
	}

	selected := make(map[string]bool, len(current))
	for _, cur := range current {
		selected[cur] = true
	}

	if selected[id] {
		res.Errors = append(res.Errors, fmt.Sprintf("profile %q is already installed", id))
		return res
	}

	// Conflicts in either direction
	for _, conflict := range candidate.ConflictsWith {
		if selected[conflict] {
			res.Errors = append(res.Errors, fmt.Sprintf("profile %q conflicts with installed profile %q", id, conflict))
		}
	}
	for _, cur := range current {
		p, ok := c.byID[cur]
		if !ok {
			continue
		}
		for _, conflict := range p.ConflictsWith {
			if conflict == id {
				res.Errors = append(res.Errors, fmt.Sprintf("installed profile %q conflicts with %q", cur, id))
			}
		}
	}

	// Missing hard dependencies: the candidate's full dependency closure
	// must already be selected (or be the candidate itself).
	g, err := c.BuildGraph([]string{id})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	for _, node := range g.Nodes() {
		if node == id || selected[node] {
			continue
		}
		res.Errors = append(res.Errors, fmt.Sprintf("profile %q requires profile %q, which is not installed", id, node))
	}

	if candidate.RequiresSyncedNode {
		res.Warnings = append(res.Warnings, fmt.Sprintf("profile %q depends on a fully synced node and will not be functional until the node reports healthy", id))
	}

	res.CanAdd = len(res.Errors) == 0
	return res
}

// ValidateRemoval checks whether a profile can be removed from the current
// selection. Removal is blocked only when another installed profile would
// lose a hard dependency; services shared with other installed profiles
// are surfaced as warnings.
func (c *Catalog) ValidateRemoval(id string, current []string) RemovalResult {
	res := RemovalResult{}

	candidate, ok := c.byID[id]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown profile %q", id))
		return res
	}

	selected := false
	for _, cur := range current {
		if cur == id {
			selected = true
			break
		}
	}
	if !selected {
		res.Errors = append(res.Errors, fmt.Sprintf("profile %q is not installed", id))
		return res
	}

	// Installed profiles whose dependency closure includes the candidate
	for _, cur := range current {
		if cur == id {
			continue
		}
		g, err := c.BuildGraph([]string{cur})
		if err != nil {
			continue
		}
		for _, node := range g.Nodes() {
			if node == id {
				res.Impact.DependentProfiles = append(res.Impact.DependentProfiles, cur)
				res.Errors = append(res.Errors, fmt.Sprintf("profile %q depends on %q and would break", cur, id))
				break
			}
		}
	}

	// Services the candidate declares that other installed profiles also
	// declare; those survive the removal, which callers must know.
	candidateServices := make(map[string]bool, len(candidate.Services))
	for _, s := range candidate.Services {
		candidateServices[s.Name] = true
	}
	sharedSeen := make(map[string]bool)
	for _, cur := range current {
		if cur == id {
			continue
		}
		p, ok := c.byID[cur]
		if !ok {
			continue
		}
		for _, s := range p.Services {
			if candidateServices[s.Name] && !sharedSeen[s.Name] {
				sharedSeen[s.Name] = true
				res.Impact.SharedServices = append(res.Impact.SharedServices, s.Name)
				res.Warnings = append(res.Warnings, fmt.Sprintf("service %q is shared with profile %q and will be kept", s.Name, cur))
			}
		}
	}

	res.CanRemove = len(res.Errors) == 0
	return res
}

// DependentServicesOf computes the closure of installed services that
// depend on the named service, via the profile dependency graph. The
// fallback engine uses this to decide which services must be redirected
// when a foundational service fails.
func (c *Catalog) DependentServicesOf(service string, current []string) []string {
	// Owning profiles of the failed service
	owners := make(map[string]bool)
	for _, p := range c.Profiles {
		for _, s := range p.Services {
			if s.Name == service {
				owners[p.ID] = true
			}
		}
	}
	if len(owners) == 0 {
		return nil
	}

	selected := make(map[string]bool, len(current))
	for _, cur := range current {
		selected[cur] = true
	}

	// Installed profiles whose dependency closure reaches an owner
	dependents := make(map[string]bool)
	for _, cur := range current {
		if owners[cur] {
			continue
		}
		g, err := c.BuildGraph([]string{cur})
		if err != nil {
			continue
		}
		for _, node := range g.Nodes() {
			if owners[node] {
				dependents[cur] = true
				break
			}
		}
	}

	var out []string
	seen := make(map[string]bool)
	for _, p := range c.Profiles {
		if !dependents[p.ID] || !selected[p.ID] {
			continue
		}
		for _, s := range p.Services {
			if s.Name == service || seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s.Name)
		}
	}
	return out
}
