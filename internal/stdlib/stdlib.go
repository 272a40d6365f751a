// Package stdlib enumerates the packages which ship with the runtime. They
// are pre-installed and always treated as passing, but they participate in
// the dependency graph so that registered packages can depend on them.
package stdlib

import (
	"github.com/oklog/ulid/v2"

	"github.com/pkgeval/pkgeval/internal/registry"
)

// The ids are fixed: a standard-library package keeps its id across runtime
// releases, and a registered package carrying the same id is a stale copy
// which the standard-library record supersedes.
var table = []struct {
	name string
	id   string
	deps []string
}{
	{"SHA", "00000000000000000000STD001", nil},
	{"Base64", "00000000000000000000STD002", nil},
	{"Unicode", "00000000000000000000STD003", nil},
	{"Mmap", "00000000000000000000STD004", nil},
	{"Serialization", "00000000000000000000STD005", nil},
	{"Sockets", "00000000000000000000STD006", nil},
	{"FileWatching", "00000000000000000000STD007", nil},
	{"Logging", "00000000000000000000STD008", nil},
	{"Printf", "00000000000000000000STD009", []string{"Unicode"}},
	{"Dates", "00000000000000000000STD010", []string{"Printf"}},
	{"Random", "00000000000000000000STD011", []string{"SHA", "Serialization"}},
	{"Markdown", "00000000000000000000STD012", []string{"Base64"}},
	{"UUIDs", "00000000000000000000STD013", []string{"Random", "SHA"}},
	{"Distributed", "00000000000000000000STD014", []string{"Random", "Serialization", "Sockets"}},
	{"Test", "00000000000000000000STD015", []string{"Logging", "Random", "Serialization"}},
	{"Pkg", "00000000000000000000STD016", []string{"Dates", "Logging", "Markdown", "Printf", "Random", "SHA", "UUIDs"}},
}

// Enumerate returns one Package record per standard-library package. The
// records carry neither a version nor a registry name.
func Enumerate() []registry.Package {
	pkgs := make([]registry.Package, 0, len(table))
	for _, e := range table {
		pkgs = append(pkgs, registry.Package{
			Name: e.name,
			ID:   ulid.MustParse(e.id),
		})
	}
	return pkgs
}

// Deps returns the inter-dependencies of the standard-library packages,
// keyed by package name.
func Deps() map[string][]string {
	deps := make(map[string][]string, len(table))
	for _, e := range table {
		deps[e.name] = e.deps
	}
	return deps
}
