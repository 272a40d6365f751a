// Package depgraph builds the directed dependency graph over registered and
// standard-library packages and tracks a per-vertex test result.
package depgraph

import (
	"log"
	"sort"

	"github.com/oklog/ulid/v2"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/pkgeval/pkgeval/internal/registry"
	"github.com/pkgeval/pkgeval/internal/stdlib"
)

// Result is the per-vertex test outcome. A slot leaves Untested at most once
// per run; skip propagation may overwrite the value afterwards.
type Result int

const (
	Untested Result = iota
	Passed
	Failed
	Skipped
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Untested:
		return "untested"
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case TimedOut:
		return "timed out"
	}
	return "unknown"
}

// Terminal reports whether r marks the vertex as done for this run.
func (r Result) Terminal() bool { return r != Untested }

type node struct {
	id int64
}

func (n *node) ID() int64 { return n.id }

// Graph is a directed acyclic graph whose vertices are packages and whose
// edges point from a package to each of its dependencies. The structure is
// immutable after New; only the results change, and callers serialise that
// access (the scheduler holds one mutex over all result mutation).
type Graph struct {
	vertices   []registry.Package
	idToVertex map[ulid.ULID]int64
	results    []Result
	g          *simple.DirectedGraph
}

// New merges the registered packages with the standard library, adds one
// edge per declared dependency and breaks any cycles. Packages whose
// dependency metadata cannot be loaded contribute no edges, but a dependency
// id which resolves to no vertex is an error: it indicates inconsistent
// registry data.
func New(logger *log.Logger, registered []registry.Package) (*Graph, error) {
	std := stdlib.Enumerate()

	// Merge by id: where a standard-library package shares an id with a
	// registered one, the registered copy is stale and the standard-library
	// record supersedes it.
	stdByID := make(map[ulid.ULID]registry.Package, len(std))
	for _, p := range std {
		stdByID[p.ID] = p
	}
	g := &Graph{
		idToVertex: make(map[ulid.ULID]int64),
		g:          simple.NewDirectedGraph(),
	}
	add := func(p registry.Package) {
		if _, ok := g.idToVertex[p.ID]; ok {
			return
		}
		idx := int64(len(g.vertices))
		g.vertices = append(g.vertices, p)
		g.idToVertex[p.ID] = idx
		g.g.AddNode(&node{id: idx})
	}
	for _, p := range registered {
		if superseded, ok := stdByID[p.ID]; ok {
			add(superseded)
			continue
		}
		add(p)
	}
	for _, p := range std {
		add(p)
	}
	g.results = make([]Result, len(g.vertices))

	// Standard-library inter-dependencies:
	byName := make(map[string]int64, len(std))
	for _, p := range std {
		byName[p.Name] = g.idToVertex[p.ID]
	}
	for name, deps := range stdlib.Deps() {
		from := byName[name]
		for _, dep := range deps {
			g.setEdge(from, byName[dep])
		}
	}

	// Declared dependencies of each registered package:
	for idx, p := range g.vertices {
		if p.RegistryName == "" {
			continue
		}
		deps, err := p.Deps()
		if err != nil {
			logger.Printf("package %s: cannot load dependency metadata, assuming no dependencies: %v", p, err)
			continue
		}
		names := make([]string, 0, len(deps))
		for name := range deps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			depIdx, ok := g.idToVertex[deps[name]]
			if !ok {
				return nil, xerrors.Errorf("package %s: dependency %s (%v) not found in any registry", p.Name, name, deps[name])
			}
			g.setEdge(int64(idx), depIdx)
		}
	}

	if err := g.breakCycles(logger); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) setEdge(from, to int64) {
	if from == to {
		return // skip self edges
	}
	g.g.SetEdge(g.g.NewEdge(&node{id: from}, &node{id: to}))
}

// breakCycles enumerates the simple cycles of the graph and removes each
// cycle's closing edge. Cycles are rare and represent ecosystem bugs;
// breaking them arbitrarily is fine because skip propagation still delivers
// correct results afterwards.
func (g *Graph) breakCycles(logger *log.Logger) error {
	cycles := topo.DirectedCyclesIn(g.g)
	for _, cycle := range cycles {
		// A cycle is a path whose first and last vertex coincide; the closing
		// edge runs from the second-to-last vertex back to the first.
		from := cycle[len(cycle)-2].ID()
		to := cycle[0].ID()
		if !g.g.HasEdgeFromTo(from, to) {
			continue // already removed while breaking an overlapping cycle
		}
		logger.Printf("breaking dependency cycle %s by dropping the %s → %s edge",
			g.cyclePath(cycle), g.vertices[from].Name, g.vertices[to].Name)
		g.g.RemoveEdge(from, to)
	}
	if _, err := topo.Sort(g.g); err != nil {
		return xerrors.Errorf("could not break cycles: %v", err)
	}
	return nil
}

func (g *Graph) cyclePath(cycle []graph.Node) string {
	var path string
	for i, n := range cycle {
		if i > 0 {
			path += " → "
		}
		path += g.vertices[n.ID()].Name
	}
	return path
}

// Len returns the number of vertices.
func (g *Graph) Len() int { return len(g.vertices) }

// Package returns the package at vertex v.
func (g *Graph) Package(v int64) registry.Package { return g.vertices[v] }

// Result returns the test result of vertex v.
func (g *Graph) Result(v int64) Result { return g.results[v] }

// SetResult records the test result of vertex v. Result mutation is not
// synchronised here; the scheduler serialises all access.
func (g *Graph) SetResult(v int64, r Result) { g.results[v] = r }

// VertexByID returns the vertex index of the package with the given id.
func (g *Graph) VertexByID(id ulid.ULID) (int64, bool) {
	v, ok := g.idToVertex[id]
	return v, ok
}

// VertexByName returns the vertex index of the first package with the given
// name, in vertex order.
func (g *Graph) VertexByName(name string) (int64, bool) {
	for idx, p := range g.vertices {
		if p.Name == name {
			return int64(idx), true
		}
	}
	return 0, false
}

// Dependencies returns the out-neighbours of v: the vertices v depends on.
func (g *Graph) Dependencies(v int64) []int64 { return collect(g.g.From(v)) }

// Dependents returns the in-neighbours of v: the vertices depending on v.
func (g *Graph) Dependents(v int64) []int64 { return collect(g.g.To(v)) }

// NumDependencies returns the out-degree of v.
func (g *Graph) NumDependencies(v int64) int { return g.g.From(v).Len() }

func collect(it graph.Nodes) []int64 {
	ids := make([]int64, 0, it.Len())
	for it.Next() {
		ids = append(ids, it.Node().ID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Skip marks v as skipped and recursively propagates to its reverse
// dependents. It is idempotent, and confluent over any order of propagations
// from the same failure set. Results other than Skipped are overwritten;
// this is what turns a failed dependency into skipped ancestors.
func (g *Graph) Skip(v int64) {
	if g.results[v] == Skipped {
		return
	}
	g.results[v] = Skipped
	for _, u := range g.Dependents(v) {
		g.Skip(u)
	}
}

// Ancestors returns the set of distinct transitive reverse-dependents of v,
// excluding v itself.
func (g *Graph) Ancestors(v int64) map[int64]bool {
	seen := make(map[int64]bool)
	var walk func(int64)
	walk = func(w int64) {
		for _, u := range g.Dependents(w) {
			if seen[u] {
				continue
			}
			seen[u] = true
			walk(u)
		}
	}
	walk(v)
	delete(seen, v)
	return seen
}
