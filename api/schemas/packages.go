package schemas

import "fmt"

// -- Package / Input Schemas --

// Ecosystem tags which package registry namespace a run is scoped to.
type Ecosystem string

const (
	EcosystemNPM   Ecosystem = "npm"
	EcosystemPyPI  Ecosystem = "pypi"
	EcosystemGo    Ecosystem = "go"
	EcosystemCrate Ecosystem = "crates.io"
)

// InputMode distinguishes analysis of a locally checked-out tree from
// analysis of packages fetched by reference.
type InputMode string

const (
	InputModeLocal  InputMode = "local"
	InputModeRemote InputMode = "remote"
)

// PackageRef identifies one package version inside an ecosystem.
type PackageRef struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Ecosystem Ecosystem `json:"ecosystem"`
}

// ID returns the canonical identifier used to key per-package facts.
func (p PackageRef) ID() string {
	return fmt.Sprintf("%s/%s@%s", p.Ecosystem, p.Name, p.Version)
}

// DependencyEdge is one resolved dependency relation.
type DependencyEdge struct {
	From PackageRef `json:"from"`
	To   PackageRef `json:"to"`
	// Dev marks dependencies only pulled in for development tooling.
	Dev bool `json:"dev,omitempty"`
}

// DependencyGraph is the resolved dependency closure handed to a run. It is
// part of the immutable input bundle; stages read it, nobody writes it.
type DependencyGraph struct {
	Roots []PackageRef     `json:"roots"`
	Nodes []PackageRef     `json:"nodes"`
	Edges []DependencyEdge `json:"edges"`
}

// DirectDependencies returns the packages the given ref depends on directly.
func (g *DependencyGraph) DirectDependencies(ref PackageRef) []PackageRef {
	var out []PackageRef
	for _, e := range g.Edges {
		if e.From.ID() == ref.ID() {
			out = append(out, e.To)
		}
	}
	return out
}

// Depth returns the longest root-to-node path length for ref, or -1 when the
// ref is unreachable. Used by heuristics that treat deeply transitive
// packages as higher risk.
func (g *DependencyGraph) Depth(ref PackageRef) int {
	target := ref.ID()
	// edges indexed by parent for the walk
	children := make(map[string][]string, len(g.Edges))
	for _, e := range g.Edges {
		children[e.From.ID()] = append(children[e.From.ID()], e.To.ID())
	}

	best := -1
	var walk func(id string, depth int, seen map[string]bool)
	walk = func(id string, depth int, seen map[string]bool) {
		if seen[id] {
			return // cycle guard
		}
		if id == target && depth > best {
			best = depth
		}
		seen[id] = true
		for _, c := range children[id] {
			walk(c, depth+1, seen)
		}
		delete(seen, id)
	}
	for _, root := range g.Roots {
		walk(root.ID(), 0, map[string]bool{})
	}
	return best
}
