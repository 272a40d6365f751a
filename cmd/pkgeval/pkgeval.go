// pkgeval evaluates the test suites of every package in a registry against a
// specific runtime version, in parallel, honoring the dependency graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/pkgeval/pkgeval"
	"github.com/pkgeval/pkgeval/internal/analysis"
	"github.com/pkgeval/pkgeval/internal/depgraph"
	"github.com/pkgeval/pkgeval/internal/env"
	"github.com/pkgeval/pkgeval/internal/eval"
	"github.com/pkgeval/pkgeval/internal/install"
	"github.com/pkgeval/pkgeval/internal/registry"
	"github.com/pkgeval/pkgeval/internal/sandbox"
)

var (
	registryPath = flag.String("registry",
		"",
		"path to the package registry (a directory containing Registry.yaml)")

	cataloguePath = flag.String("catalogue",
		filepath.Join(env.PkgevalRoot, "Runtimes.yaml"),
		"path to the runtime-version catalogue")

	runtimeVersion = flag.String("runtime_version",
		"",
		"runtime version to evaluate the ecosystem against")

	jobs = flag.Int("jobs",
		runtime.NumCPU(),
		"number of concurrent sandbox slots")

	root = flag.String("root",
		env.PkgevalRoot,
		"directory for runtime installations, archives and logs")

	timeout = flag.Duration("timeout",
		2*time.Hour,
		"per-package test timeout (0 disables the bound)")

	dryRun = flag.Bool("dry_run",
		false,
		"simulate test runs instead of executing sandboxes")
)

// raiseNOFILE lifts the soft RLIMIT_NOFILE enough for the worker fan-out:
// every concurrent sandbox holds a log file, the child's pipes and the
// re-exec'd binary, which overruns the common default of 1024 already at a
// few dozen jobs. Staying within the hard limit keeps this unprivileged.
func raiseNOFILE(jobs int) error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return err
	}
	want := uint64(jobs)*64 + 256
	if want <= lim.Cur {
		return nil
	}
	if want > lim.Max {
		want = lim.Max
	}
	lim.Cur = want
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}

// dryRunner stands in for the sandbox and sleeps instead of testing.
func dryRunner() sandbox.Runner {
	return sandbox.RunnerFunc(func(ctx context.Context, cwd string, args []string, stdout, stderr io.Writer) error {
		dur := 10*time.Millisecond + time.Duration(rand.Int63n(int64(1000*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dur):
		}
		fmt.Fprintln(stdout, "simulated test run")
		return nil
	})
}

func funcmain() error {
	flag.Parse()
	if *registryPath == "" {
		return xerrors.New("-registry is required")
	}
	if *runtimeVersion == "" {
		return xerrors.New("-runtime_version is required")
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	if err := raiseNOFILE(*jobs); err != nil {
		logger.Printf("Warning: raising RLIMIT_NOFILE for %d jobs failed: %v", *jobs, err)
	}

	ctx, canc := pkgeval.InterruptibleContext()
	defer canc()

	reg, err := registry.Load(logger, *registryPath)
	if err != nil {
		return err
	}
	g, err := depgraph.New(logger, reg.Packages)
	if err != nil {
		return err
	}
	logger.Printf("evaluating %d packages from registry %s against runtime %s",
		len(reg.Packages), reg.Name, *runtimeVersion)

	var runner sandbox.Runner
	if *dryRun {
		runner = dryRunner()
	} else {
		inst := &install.Ctx{
			Log:           logger,
			CataloguePath: *cataloguePath,
			Root:          *root,
		}
		runtimeDir, err := inst.Install(ctx, *runtimeVersion)
		if err != nil {
			return err
		}
		runner = &sandbox.Namespaced{RuntimeDir: runtimeDir}
	}

	s := eval.New(eval.Options{
		Log:     logger,
		Graph:   g,
		Runner:  runner,
		Workers: *jobs,
		LogDir:  filepath.Join(*root, "logs", *runtimeVersion),
		Timeout: *timeout,
	})
	if err := s.Run(ctx); err != nil {
		return err
	}

	if impacts := analysis.Rank(g); len(impacts) > 0 {
		fmt.Println("Failed packages by ecosystem impact:")
		analysis.Print(os.Stdout, impacts)
	}
	return nil
}

func main() {
	if sandbox.IsChild() {
		if err := sandbox.Child(os.Args[1:]); err != nil {
			log.Fatalf("sandbox: %v", err)
		}
		return
	}
	if err := funcmain(); err != nil {
		log.Fatal(err)
	}
}
