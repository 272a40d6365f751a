package depgraph_test

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"

	"github.com/pkgeval/pkgeval/internal/depgraph"
	"github.com/pkgeval/pkgeval/internal/registry"
	"github.com/pkgeval/pkgeval/internal/stdlib"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

// testID builds a deterministic ULID from a short tag, e.g. testID("A1").
func testID(tag string) ulid.ULID {
	return ulid.MustParse("0000000000000000000000PKG"[:26-len(tag)] + tag)
}

// writePkg materialises a package directory with a Deps.yaml declaring deps
// (name → id) for the given version and returns its Package record.
func writePkg(t *testing.T, root, name, version string, deps map[string]ulid.ULID) registry.Package {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%q:\n", version)
	for dep, id := range deps {
		fmt.Fprintf(&sb, "  %s: %s\n", dep, id)
	}
	if len(deps) == 0 {
		sb.Reset()
		fmt.Fprintf(&sb, "%q: {}\n", version)
	}
	if err := os.WriteFile(filepath.Join(dir, "Deps.yaml"), []byte(sb.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return registry.Package{
		Name:         name,
		ID:           testID(strings.ToUpper(name)),
		MetadataPath: dir,
		Version:      version,
		RegistryName: "General",
	}
}

func mustVertex(t *testing.T, g *depgraph.Graph, name string) int64 {
	t.Helper()
	v, ok := g.VertexByName(name)
	if !ok {
		t.Fatalf("package %s has no vertex", name)
	}
	return v
}

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	b := writePkg(t, tmp, "B", "1.0.0", nil)
	sha, _ := func() (ulid.ULID, bool) {
		for _, p := range stdlib.Enumerate() {
			if p.Name == "SHA" {
				return p.ID, true
			}
		}
		return ulid.ULID{}, false
	}()
	a := writePkg(t, tmp, "A", "2.1.0", map[string]ulid.ULID{"B": b.ID, "SHA": sha})

	g, err := depgraph.New(discard(), []registry.Package{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := g.Len(), 2+len(stdlib.Enumerate()); got != want {
		t.Errorf("graph has %d vertices, want %d", got, want)
	}
	av := mustVertex(t, g, "A")
	deps := g.Dependencies(av)
	want := []int64{mustVertex(t, g, "B"), mustVertex(t, g, "SHA")}
	if diff := cmp.Diff(want, deps); diff != "" {
		t.Errorf("dependencies of A differ: diff (-want +got):\n%s", diff)
	}
	for v := int64(0); v < int64(g.Len()); v++ {
		if got := g.Result(v); got != depgraph.Untested {
			t.Errorf("vertex %d: initial result %v, want untested", v, got)
		}
	}
}

func TestNoDependencyMetadata(t *testing.T) {
	// A package directory without a Deps.yaml contributes no edges, but
	// remains a vertex.
	p := registry.Package{
		Name:         "Bare",
		ID:           testID("BARE"),
		MetadataPath: filepath.Join(t.TempDir(), "nonexistent"),
		Version:      "1.0.0",
		RegistryName: "General",
	}
	g, err := depgraph.New(discard(), []registry.Package{p})
	if err != nil {
		t.Fatal(err)
	}
	v := mustVertex(t, g, "Bare")
	if deps := g.Dependencies(v); len(deps) != 0 {
		t.Errorf("Bare has dependencies %v, want none", deps)
	}
}

func TestStdlibSupersedes(t *testing.T) {
	// A registered package sharing its id with a standard-library package is
	// a stale copy; the standard-library record wins.
	std := stdlib.Enumerate()[0]
	stale := registry.Package{
		Name:         std.Name,
		ID:           std.ID,
		MetadataPath: t.TempDir(),
		Version:      "0.1.0",
		RegistryName: "General",
	}
	g, err := depgraph.New(discard(), []registry.Package{stale})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := g.Len(), len(stdlib.Enumerate()); got != want {
		t.Fatalf("graph has %d vertices, want %d", got, want)
	}
	v, ok := g.VertexByID(std.ID)
	if !ok {
		t.Fatalf("id %v has no vertex", std.ID)
	}
	if diff := cmp.Diff(std, g.Package(v)); diff != "" {
		t.Errorf("vertex record differs: diff (-want +got):\n%s", diff)
	}
}

func TestUnresolvedDependency(t *testing.T) {
	tmp := t.TempDir()
	a := writePkg(t, tmp, "A", "1.0.0", map[string]ulid.ULID{"Ghost": testID("GH0ST")})
	if _, err := depgraph.New(discard(), []registry.Package{a}); err == nil {
		t.Fatal("New unexpectedly succeeded with an unresolved dependency id")
	}
}

func TestCycleBreak(t *testing.T) {
	tmp := t.TempDir()
	x := writePkg(t, tmp, "X", "1.0.0", map[string]ulid.ULID{"Y": testID("Y")})
	y := writePkg(t, tmp, "Y", "1.0.0", map[string]ulid.ULID{"X": testID("X")})

	g, err := depgraph.New(discard(), []registry.Package{x, y})
	if err != nil {
		t.Fatal(err)
	}
	xv := mustVertex(t, g, "X")
	yv := mustVertex(t, g, "Y")
	xy := len(g.Dependencies(xv)) == 1
	yx := len(g.Dependencies(yv)) == 1
	if xy == yx {
		t.Errorf("cycle break left %d X→Y and %d Y→X edges, want exactly one edge in total",
			len(g.Dependencies(xv)), len(g.Dependencies(yv)))
	}
}

func TestConstructionDeterminism(t *testing.T) {
	tmp := t.TempDir()
	c := writePkg(t, tmp, "C", "1.0.0", nil)
	b := writePkg(t, tmp, "B", "1.0.0", map[string]ulid.ULID{"C": c.ID})
	a := writePkg(t, tmp, "A", "1.0.0", map[string]ulid.ULID{"B": b.ID, "C": c.ID})
	pkgs := []registry.Package{a, b, c}

	g1, err := depgraph.New(discard(), pkgs)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := depgraph.New(discard(), pkgs)
	if err != nil {
		t.Fatal(err)
	}
	if g1.Len() != g2.Len() {
		t.Fatalf("vertex counts differ: %d vs %d", g1.Len(), g2.Len())
	}
	for v := int64(0); v < int64(g1.Len()); v++ {
		if diff := cmp.Diff(g1.Package(v), g2.Package(v)); diff != "" {
			t.Errorf("vertex %d differs: diff (-first +second):\n%s", v, diff)
		}
		if diff := cmp.Diff(g1.Dependencies(v), g2.Dependencies(v)); diff != "" {
			t.Errorf("edges of vertex %d differ: diff (-first +second):\n%s", v, diff)
		}
		if g1.Result(v) != g2.Result(v) {
			t.Errorf("initial result of vertex %d differs", v)
		}
	}
}

func TestSkip(t *testing.T) {
	// Diamond: A → {B, C}, B → D, C → D.
	tmp := t.TempDir()
	d := writePkg(t, tmp, "D", "1.0.0", nil)
	b := writePkg(t, tmp, "B", "1.0.0", map[string]ulid.ULID{"D": d.ID})
	c := writePkg(t, tmp, "C", "1.0.0", map[string]ulid.ULID{"D": d.ID})
	a := writePkg(t, tmp, "A", "1.0.0", map[string]ulid.ULID{"B": b.ID, "C": c.ID})

	build := func(t *testing.T) *depgraph.Graph {
		g, err := depgraph.New(discard(), []registry.Package{a, b, c, d})
		if err != nil {
			t.Fatal(err)
		}
		return g
	}

	t.Run("PropagatesToAllAncestors", func(t *testing.T) {
		g := build(t)
		g.Skip(mustVertex(t, g, "D"))
		for _, name := range []string{"A", "B", "C", "D"} {
			if got := g.Result(mustVertex(t, g, name)); got != depgraph.Skipped {
				t.Errorf("%s: result %v, want skipped", name, got)
			}
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		g := build(t)
		g.Skip(mustVertex(t, g, "D"))
		g.Skip(mustVertex(t, g, "D"))
		if got := g.Result(mustVertex(t, g, "A")); got != depgraph.Skipped {
			t.Errorf("A: result %v, want skipped", got)
		}
	})

	t.Run("Confluent", func(t *testing.T) {
		// Any order of propagations from the same failure set yields the
		// same skipped set.
		results := func(g *depgraph.Graph) []depgraph.Result {
			rs := make([]depgraph.Result, g.Len())
			for v := range rs {
				rs[v] = g.Result(int64(v))
			}
			return rs
		}
		g1 := build(t)
		g1.Skip(mustVertex(t, g1, "B"))
		g1.Skip(mustVertex(t, g1, "C"))
		g2 := build(t)
		g2.Skip(mustVertex(t, g2, "C"))
		g2.Skip(mustVertex(t, g2, "B"))
		if diff := cmp.Diff(results(g1), results(g2)); diff != "" {
			t.Errorf("skip orders diverged: diff (-BC +CB):\n%s", diff)
		}
	})

	t.Run("DoesNotTouchDependencies", func(t *testing.T) {
		g := build(t)
		g.Skip(mustVertex(t, g, "B"))
		if got := g.Result(mustVertex(t, g, "D")); got != depgraph.Untested {
			t.Errorf("D: result %v, want untested", got)
		}
		if got := g.Result(mustVertex(t, g, "C")); got != depgraph.Untested {
			t.Errorf("C: result %v, want untested", got)
		}
	})
}

func TestAncestors(t *testing.T) {
	tmp := t.TempDir()
	d := writePkg(t, tmp, "D", "1.0.0", nil)
	b := writePkg(t, tmp, "B", "1.0.0", map[string]ulid.ULID{"D": d.ID})
	c := writePkg(t, tmp, "C", "1.0.0", map[string]ulid.ULID{"D": d.ID})
	a := writePkg(t, tmp, "A", "1.0.0", map[string]ulid.ULID{"B": b.ID, "C": c.ID})

	g, err := depgraph.New(discard(), []registry.Package{a, b, c, d})
	if err != nil {
		t.Fatal(err)
	}
	anc := g.Ancestors(mustVertex(t, g, "D"))
	if got, want := len(anc), 3; got != want {
		t.Errorf("D has %d ancestors, want %d", got, want)
	}
	for _, name := range []string{"A", "B", "C"} {
		if !anc[mustVertex(t, g, name)] {
			t.Errorf("ancestors of D are missing %s", name)
		}
	}
}
