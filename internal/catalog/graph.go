package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is a dependency graph over profile ids, built fresh per resolution
// request from the catalog and the current selection. It is never mutated
// incrementally.
type Graph struct {
	catalog *Catalog
	nodes   []string            // catalog declaration order
	edges   map[string][]string // profile -> its dependencies
}

// UnknownProfileError reports profile ids that do not exist in the catalog.
type UnknownProfileError struct {
	IDs []string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown profile(s): %s", strings.Join(e.IDs, ", "))
}

// CycleError reports circular dependencies found in a graph.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = strings.Join(c, " -> ")
	}
	return fmt.Sprintf("circular dependencies: %s", strings.Join(parts, "; "))
}

// BuildGraph expands the declared dependencies of the selected profiles
// recursively against the catalog. Unknown ids are a validation error, not
// a crash.
func (c *Catalog) BuildGraph(selected []string) (*Graph, error) {
	var unknown []string
	included := make(map[string]bool)

	var expand func(id string)
	expand = func(id string) {
		if included[id] {
			return
		}
		p, ok := c.byID[id]
		if !ok {
			unknown = append(unknown, id)
			return
		}
		included[id] = true
		for _, dep := range p.DependsOn {
			expand(dep)
		}
	}
	for _, id := range selected {
		expand(id)
	}

	if len(unknown) > 0 {
		return nil, &UnknownProfileError{IDs: unknown}
	}

	g := &Graph{
		catalog: c,
		edges:   make(map[string][]string, len(included)),
	}
	// Node order follows catalog declaration order so every derived
	// ordering is stable run after run.
	for _, p := range c.Profiles {
		if !included[p.ID] {
			continue
		}
		g.nodes = append(g.nodes, p.ID)
		g.edges[p.ID] = append([]string(nil), p.DependsOn...)
	}
	return g, nil
}

// Nodes returns the profile ids in the graph, in catalog order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// DependenciesOf returns the direct dependencies of a profile in the graph.
func (g *Graph) DependenciesOf(id string) []string {
	return append([]string(nil), g.edges[id]...)
}

// DetectCycles finds every distinct dependency cycle in the graph using a
// depth-first search with a recursion-stack set. Each cycle is returned as
// an ordered list of profile ids, so callers can report all problems at
// once.
func (g *Graph) DetectCycles() [][]string {
	var cycles [][]string
	seen := make(map[string]bool) // normalized cycle keys

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, dep := range g.edges[id] {
			if onStack[dep] {
				// Slice the cycle out of the current path
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				key := normalizeCycle(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[dep] {
				visit(dep)
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
	}

	for _, id := range g.nodes {
		if !visited[id] {
			visit(id)
		}
	}
	return cycles
}

// normalizeCycle rotates a cycle so the lexicographically smallest id comes
// first, making the same cycle discovered from different entry points
// compare equal.
func normalizeCycle(cycle []string) string {
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	rotated := append(append([]string(nil), cycle[min:]...), cycle[:min]...)
	return strings.Join(rotated, ",")
}

// StartupOrder computes a topologically valid startup sequence for the
// graph's profiles, dependencies first. Ties are broken by catalog
// declaration order. A cyclic graph fails fast with the full cycle list
// rather than silently truncating the output.
func (g *Graph) StartupOrder() ([]Profile, error) {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return nil, &CycleError{Cycles: cycles}
	}

	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range g.nodes {
		indegree[id] = len(g.edges[id])
		for _, dep := range g.edges[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range g.nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var order []Profile
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			return g.catalog.declOrder(ready[i]) < g.catalog.declOrder(ready[j])
		})
		id := ready[0]
		ready = ready[1:]

		p, _ := g.catalog.Profile(id)
		order = append(order, *p)

		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(g.nodes) {
		// Unreachable after the cycle check above, kept as a guard.
		return nil, &CycleError{Cycles: g.DetectCycles()}
	}
	return order, nil
}
