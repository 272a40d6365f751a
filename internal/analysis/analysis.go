// Package analysis ranks failed packages by how many transitive
// reverse-dependents a fix would unblock.
package analysis

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkgeval/pkgeval/internal/depgraph"
	"github.com/pkgeval/pkgeval/internal/registry"
)

// Impact describes one failed package and the size of its ancestor set.
type Impact struct {
	Package registry.Package
	Result  depgraph.Result

	// Blocked is the number of distinct transitive reverse-dependents,
	// excluding the package itself.
	Blocked int
}

// Rank returns the failed (and timed-out) packages of a completed run,
// ordered by descending impact. Ties break by package name so the ranking
// is deterministic.
func Rank(g *depgraph.Graph) []Impact {
	var impacts []Impact
	for v := int64(0); v < int64(g.Len()); v++ {
		res := g.Result(v)
		if res != depgraph.Failed && res != depgraph.TimedOut {
			continue
		}
		impacts = append(impacts, Impact{
			Package: g.Package(v),
			Result:  res,
			Blocked: len(g.Ancestors(v)),
		})
	}
	sort.Slice(impacts, func(i, j int) bool {
		if impacts[i].Blocked != impacts[j].Blocked {
			return impacts[i].Blocked > impacts[j].Blocked
		}
		return impacts[i].Package.Name < impacts[j].Package.Name
	})
	return impacts
}

// Print writes the ranking in a one-line-per-package form.
func Print(w io.Writer, impacts []Impact) {
	for _, im := range impacts {
		fmt.Fprintf(w, "%s %s, fixing it would unblock %d package(s)\n",
			im.Package, im.Result, im.Blocked)
	}
}
