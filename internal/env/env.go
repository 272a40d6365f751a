// Package env captures details about the pkgeval environment.
package env

import "os"

// PkgevalRoot is the directory under which pkgeval keeps runtime
// installations, downloaded archives and per-run log directories.
var PkgevalRoot = findPkgevalRoot()

func findPkgevalRoot() string {
	env := os.Getenv("PKGEVALROOT")
	if env != "" {
		return env
	}

	return os.ExpandEnv("$HOME/pkgeval") // default
}
