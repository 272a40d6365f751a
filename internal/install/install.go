// Package install materialises a runtime version on disk: it resolves the
// version in the runtime catalogue, downloads (or finds) the archive,
// verifies its SHA-256 and unpacks it under a per-version directory.
package install

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Ctx is an install context, containing configuration and state.
type Ctx struct {
	Log *log.Logger

	// CataloguePath points at the runtime-version catalogue descriptor.
	CataloguePath string

	// Root is the pkgeval root; archives are cached under Root/cache and
	// unpacked under Root/runtimes/<version>.
	Root string
}

type catalogueEntry struct {
	URL  string `yaml:"url"`
	Sha  string `yaml:"sha"`
	File string `yaml:"file"`
}

func (c *Ctx) catalogue() (map[string]catalogueEntry, error) {
	b, err := os.ReadFile(c.CataloguePath)
	if err != nil {
		return nil, xerrors.Errorf("runtime catalogue: %w", err)
	}
	var entries map[string]catalogueEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, xerrors.Errorf("parsing %s: %v", c.CataloguePath, err)
	}
	return entries, nil
}

// Install materialises the requested runtime version and returns the
// directory it was unpacked into. An already-unpacked version is reused.
func (c *Ctx) Install(ctx context.Context, version string) (string, error) {
	entries, err := c.catalogue()
	if err != nil {
		return "", err
	}
	entry, ok := entries[version]
	if !ok {
		return "", xerrors.Errorf("runtime version %q not catalogued in %s", version, c.CataloguePath)
	}

	dest := filepath.Join(c.Root, "runtimes", version)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil // already unpacked
	} else if !os.IsNotExist(err) {
		return "", err
	}

	fn := entry.File
	if fn == "" {
		if entry.URL == "" {
			return "", xerrors.Errorf("runtime version %q: catalogue entry has neither url nor file", version)
		}
		fn = filepath.Join(c.Root, "cache", filepath.Base(entry.URL))
		if err := c.download(ctx, entry.URL, fn); err != nil {
			return "", xerrors.Errorf("download: %w", err)
		}
	}
	if err := verify(fn, entry.Sha); err != nil {
		return "", xerrors.Errorf("verify: %w", err)
	}
	if err := c.unpack(fn, dest); err != nil {
		return "", xerrors.Errorf("unpack: %w", err)
	}
	return dest, nil
}

func (c *Ctx) download(ctx context.Context, url, fn string) error {
	if _, err := os.Stat(fn); err == nil {
		return nil // already downloaded, verify decides whether it is usable
	}
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	c.Log.Printf("downloading %s", url)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		return xerrors.Errorf("HTTP status %v", resp.Status)
	}
	f, err := renameio.TempFile("", fn)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

func verify(fn, want string) error {
	h := sha256.New()
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := fmt.Sprintf("%x", h.Sum(nil)); got != want {
		return xerrors.Errorf("hash mismatch for %s: got %s, want %s", fn, got, want)
	}
	return nil
}

// unpack extracts the archive into a temporary sibling of dest and renames it
// into place, so that an interrupted unpack never leaves a half-populated
// runtime directory behind.
func (c *Ctx) unpack(fn, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dest), "unpack")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	var rd io.Reader
	switch {
	case strings.HasSuffix(fn, ".tar.gz") || strings.HasSuffix(fn, ".tgz"):
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		rd = zr
	case strings.HasSuffix(fn, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		rd = zr
	case strings.HasSuffix(fn, ".tar"):
		rd = f
	default:
		return xerrors.Errorf("unsupported archive %s", fn)
	}
	if err := extractTar(rd, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// extractTar unpacks rd into dest, stripping the archive's single top-level
// directory (runtime tarballs wrap their contents in <name>-<version>/).
func extractTar(rd io.Reader, dest string) error {
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := stripComponent(hdr.Name)
		if name == "" {
			continue
		}
		fn := filepath.Join(dest, name)
		if !strings.HasPrefix(fn, filepath.Clean(dest)+string(os.PathSeparator)) {
			return xerrors.Errorf("archive entry %q escapes the destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fn, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, fn); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Hard links and device nodes do not occur in runtime tarballs.
		}
	}
}

func stripComponent(name string) string {
	name = strings.TrimPrefix(name, "./")
	if idx := strings.IndexByte(name, '/'); idx > -1 {
		return name[idx+1:]
	}
	return ""
}
