// Package registry models a package registry on disk: a Registry descriptor
// naming the registry and its packages, plus per-package Versions and Deps
// descriptors.
package registry

import (
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/oklog/ulid/v2"
	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Package is an immutable record describing one unit of software. Equality is
// field-wise.
type Package struct {
	Name string
	ID   ulid.ULID

	// MetadataPath is the directory containing the package's Versions and
	// Deps descriptors.
	MetadataPath string

	// Version is the chosen (maximum available) version. Empty for
	// standard-library packages, which are versioned with the runtime.
	Version string

	// RegistryName is empty for standard-library packages.
	RegistryName string
}

func (p Package) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "-" + p.Version
}

// Registry is a catalogue of packages, built from a Registry.yaml descriptor.
type Registry struct {
	Name     string
	ID       ulid.ULID
	Path     string
	Packages []Package
}

type registryDescriptor struct {
	Name     string                  `yaml:"name"`
	ID       string                  `yaml:"id"`
	Packages map[string]packageEntry `yaml:"packages"`
}

type packageEntry struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Load reads the Registry.yaml descriptor at path and materialises a Package
// record for every listed entry, choosing its maximum available version.
func Load(logger *log.Logger, path string) (*Registry, error) {
	fn := filepath.Join(path, "Registry.yaml")
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, xerrors.Errorf("registry descriptor: %w", err)
	}
	var desc registryDescriptor
	if err := yaml.Unmarshal(b, &desc); err != nil {
		return nil, xerrors.Errorf("parsing %s: %v", fn, err)
	}
	id, err := ulid.Parse(desc.ID)
	if err != nil {
		return nil, xerrors.Errorf("registry id %q: %v", desc.ID, err)
	}

	// Map iteration order is random; sort by id so that two loads of the same
	// registry yield identical package sequences.
	ids := make([]string, 0, len(desc.Packages))
	for pkgID := range desc.Packages {
		ids = append(ids, pkgID)
	}
	sort.Strings(ids)

	r := &Registry{
		Name: desc.Name,
		ID:   id,
		Path: path,
	}
	for _, pkgID := range ids {
		entry := desc.Packages[pkgID]
		pid, err := ulid.Parse(pkgID)
		if err != nil {
			return nil, xerrors.Errorf("package id %q: %v", pkgID, err)
		}
		if entry.Name == "" {
			return nil, xerrors.Errorf("package %s: empty name", pkgID)
		}
		metadataPath := filepath.Join(path, entry.Path)
		version, err := maxVersion(logger, metadataPath)
		if err != nil {
			return nil, xerrors.Errorf("package %s: %w", entry.Name, err)
		}
		r.Packages = append(r.Packages, Package{
			Name:         entry.Name,
			ID:           pid,
			MetadataPath: metadataPath,
			Version:      version,
			RegistryName: desc.Name,
		})
	}
	return r, nil
}

// maybeV prepends the “v” prefix which golang.org/x/mod/semver requires.
func maybeV(v string) string {
	if len(v) > 0 && v[0] != 'v' {
		return "v" + v
	}
	return v
}

// maxVersion reads the package's Versions.yaml and returns the maximum
// available version number.
func maxVersion(logger *log.Logger, metadataPath string) (string, error) {
	fn := filepath.Join(metadataPath, "Versions.yaml")
	b, err := os.ReadFile(fn)
	if err != nil {
		return "", xerrors.Errorf("versions descriptor: %w", err)
	}
	var versions []string
	if err := yaml.Unmarshal(b, &versions); err != nil {
		return "", xerrors.Errorf("parsing %s: %v", fn, err)
	}
	if len(versions) == 0 {
		return "", xerrors.Errorf("%s: no versions", fn)
	}
	valid := true
	for _, v := range versions {
		if !semver.IsValid(maybeV(v)) {
			logger.Printf("not semver: %v", v)
			valid = false
			break
		}
	}
	if !valid {
		// Prefer a string sort when the versions aren’t semver, it’s better
		// than semver.Compare.
		sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	} else {
		sort.Slice(versions, func(i, j int) bool {
			return semver.Compare(maybeV(versions[i]), maybeV(versions[j])) >= 0 // reverse
		})
	}
	return versions[0], nil
}

// Deps reads the package's Deps.yaml descriptor and returns the declared
// dependencies (name → id) of the package's chosen version. Packages without
// an entry for their version have no declared dependencies.
func (p Package) Deps() (map[string]ulid.ULID, error) {
	fn := filepath.Join(p.MetadataPath, "Deps.yaml")
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, xerrors.Errorf("deps descriptor: %w", err)
	}
	var byVersion map[string]map[string]string
	if err := yaml.Unmarshal(b, &byVersion); err != nil {
		return nil, xerrors.Errorf("parsing %s: %v", fn, err)
	}
	entries, ok := byVersion[p.Version]
	if !ok {
		return nil, nil
	}
	deps := make(map[string]ulid.ULID, len(entries))
	for name, id := range entries {
		did, err := ulid.Parse(id)
		if err != nil {
			return nil, xerrors.Errorf("%s: dependency %s id %q: %v", fn, name, id, err)
		}
		deps[name] = did
	}
	return deps, nil
}
