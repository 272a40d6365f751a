// Package eval schedules the test runs of an entire dependency graph over a
// bounded pool of sandboxed workers. A vertex becomes ready once all of its
// dependencies passed; a failing vertex skips all of its reverse-dependents.
package eval

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pkgeval/pkgeval/internal/depgraph"
	"github.com/pkgeval/pkgeval/internal/registry"
	"github.com/pkgeval/pkgeval/internal/sandbox"
)

// Options configures a Scheduler.
type Options struct {
	Log     *log.Logger
	Graph   *depgraph.Graph
	Runner  sandbox.Runner
	Workers int

	// LogDir receives one <pkgname>.log file per tested package.
	LogDir string

	// Timeout bounds a single package's test run. Zero disables the bound;
	// the deny-list is then the only protection against hanging suites.
	Timeout time.Duration

	// Tick is the progress-reporter interval. Defaults to one second.
	Tick time.Duration

	// Allow and Deny override the compiled-in lists. Nil means the default.
	Allow map[string]bool
	Deny  map[string]bool
}

// sentinel ends the scheduler loop when written to the completion channel.
const sentinel = -1

type slot struct {
	pkg     string
	started time.Time
}

func (s slot) idle() bool { return s.pkg == "" }

// Scheduler owns all shared state of one evaluation run. One mutex guards
// the mutable fields; the completion channel carries vertex indices from the
// workers to the single scheduler goroutine, which is the only mutator of
// results for completed vertices. That serialisation is what makes the
// last-dependency-to-finish admission rule race-free.
type Scheduler struct {
	log     *log.Logger
	g       *depgraph.Graph
	runner  sandbox.Runner
	workers int
	logDir  string
	timeout time.Duration
	tick    time.Duration
	allow   map[string]bool
	deny    map[string]bool

	mu          sync.Mutex
	cond        *sync.Cond
	queue       vertexQueue
	running     []slot
	processed   map[int64]bool
	admitted    map[int64]bool
	unprocessed int // completions published but not yet processed
	done        bool
	signaled    bool
	cancel      context.CancelFunc

	completed chan int64
}

// New returns a Scheduler for the given graph. The graph's results must
// still be all untested.
func New(opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	tick := opts.Tick
	if tick == 0 {
		tick = 1 * time.Second
	}
	allow, deny := opts.Allow, opts.Deny
	if allow == nil {
		allow = AllowList
	}
	if deny == nil {
		deny = DenyList
	}
	s := &Scheduler{
		log:     opts.Log,
		g:       opts.Graph,
		runner:  opts.Runner,
		workers: workers,
		logDir:  opts.LogDir,
		timeout: opts.Timeout,
		tick:    tick,
		allow:   allow,
		deny:    deny,

		running:   make([]slot, workers),
		processed: make(map[int64]bool),
		admitted:  make(map[int64]bool),
		completed: make(chan int64, opts.Graph.Len()+1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run evaluates the graph and blocks until the run terminates. A test
// failure is a result, not an error; only infrastructure failures are
// returned. A cooperative interrupt (context cancelation) is absorbed.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		return err
	}
	ctx, canc := context.WithCancel(ctx)
	defer canc()

	s.mu.Lock()
	s.cancel = canc
	// Standard-library and allow-listed packages pass without execution.
	// They are pushed as completions so the scheduler releases their
	// reverse-dependents.
	for v := int64(0); v < int64(s.g.Len()); v++ {
		pkg := s.g.Package(v)
		if pkg.RegistryName == "" || s.allow[pkg.Name] {
			s.g.SetResult(v, depgraph.Passed)
			s.unprocessed++
			s.completed <- v
		}
	}
	// True leaves start the run:
	for v := int64(0); v < int64(s.g.Len()); v++ {
		if s.g.NumDependencies(v) != 0 {
			continue
		}
		if s.deny[s.g.Package(v).Name] || s.g.Result(v) != depgraph.Untested {
			continue
		}
		s.admit(v)
	}
	// Deny-listed packages and their reverse-dependents never run:
	for v := int64(0); v < int64(s.g.Len()); v++ {
		if s.deny[s.g.Package(v).Name] {
			s.g.Skip(v)
		}
	}
	s.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.scheduler(ctx) })
	for i := 0; i < s.workers; i++ {
		i := i // copy
		eg.Go(func() error { return s.worker(ctx, i) })
	}
	eg.Go(func() error { return s.reporter(ctx) })
	err := eg.Wait()
	s.stopwork()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	s.logSummary()
	return nil
}

// scheduler is the single task which mutates results of completed vertices
// and admits newly-ready reverse-dependents.
func (s *Scheduler) scheduler(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.stopwork()
			return ctx.Err()
		case v := <-s.completed:
			if v == sentinel {
				return nil
			}
			s.process(v)
		}
	}
}

func (s *Scheduler) process(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[v] = true
	res := s.g.Result(v)
	pkg := s.g.Package(v)
	if res == depgraph.Failed || res == depgraph.TimedOut {
		s.log.Printf("testing %s %s, see %s", pkg, res, filepath.Join(s.logDir, pkg.Name+".log"))
	}
	for _, u := range s.g.Dependents(v) {
		if res != depgraph.Passed {
			s.g.Skip(u)
			continue
		}
		if s.processed[u] || s.g.Result(u) != depgraph.Untested {
			continue
		}
		if !s.depsReady(u) {
			continue
		}
		s.admit(u)
	}
	s.unprocessed--
	s.cond.Broadcast()
}

// depsReady reports whether every dependency of u has been processed and
// passed. Reading results only for processed vertices is what makes the
// snapshot consistent: processed is mutated by the scheduler task alone.
func (s *Scheduler) depsReady(u int64) bool {
	for _, d := range s.g.Dependencies(u) {
		if !s.processed[d] || s.g.Result(d) != depgraph.Passed {
			return false
		}
	}
	return true
}

// admit pushes v onto the ready queue. A vertex is admitted at most once.
func (s *Scheduler) admit(v int64) {
	if s.admitted[v] {
		return
	}
	s.admitted[v] = true
	heap.Push(&s.queue, v)
	s.cond.Broadcast()
}

func (s *Scheduler) worker(ctx context.Context, i int) error {
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return nil
		}
		v := heap.Pop(&s.queue).(int64)
		pkg := s.g.Package(v)
		s.running[i] = slot{pkg: pkg.Name, started: time.Now()}
		s.mu.Unlock()

		res, err := s.runTest(ctx, pkg)
		if err != nil {
			s.mu.Lock()
			s.running[i] = slot{}
			s.mu.Unlock()
			s.stopwork()
			return err
		}
		if ctx.Err() != nil {
			// Interrupted mid-run; the vertex stays untested.
			s.mu.Lock()
			s.running[i] = slot{}
			s.mu.Unlock()
			return ctx.Err()
		}

		s.mu.Lock()
		if got := s.g.Result(v); got != depgraph.Untested {
			s.mu.Unlock()
			return xerrors.Errorf("BUG: %s is already %v, but its test just finished", pkg, got)
		}
		s.g.SetResult(v, res)
		s.running[i] = slot{}
		s.unprocessed++
		s.mu.Unlock()
		s.completed <- v
	}
}

// runTest invokes the sandbox runner for pkg, capturing combined
// stdout/stderr in the per-package log file. A runner error is a test
// failure, not an infrastructure error.
func (s *Scheduler) runTest(ctx context.Context, pkg registry.Package) (depgraph.Result, error) {
	f, err := os.Create(filepath.Join(s.logDir, pkg.Name+".log"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	runCtx := ctx
	if s.timeout > 0 {
		var canc context.CancelFunc
		runCtx, canc = context.WithTimeout(ctx, s.timeout)
		defer canc()
	}
	err = s.runner.Run(runCtx, pkg.MetadataPath, []string{"test", pkg.Name}, f, f)
	if err == nil {
		return depgraph.Passed, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		fmt.Fprintf(f, "test run timed out after %v\n", s.timeout)
		return depgraph.TimedOut, nil
	}
	fmt.Fprintf(f, "test run failed: %v\n", err)
	return depgraph.Failed, nil
}

// stopwork initiates shutdown. It is idempotent: the first call sets the
// done flag, wakes all waiting workers, ends the scheduler loop and
// interrupts in-flight sandbox runs.
func (s *Scheduler) stopwork() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	if !s.signaled {
		s.signaled = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()
	s.cond.Broadcast()
	s.completed <- sentinel
}

func (s *Scheduler) tally() (passed, failed, skipped, untested int) {
	for v := int64(0); v < int64(s.g.Len()); v++ {
		switch s.g.Result(v) {
		case depgraph.Passed:
			passed++
		case depgraph.Failed, depgraph.TimedOut:
			failed++
		case depgraph.Skipped:
			skipped++
		default:
			untested++
		}
	}
	return
}

func (s *Scheduler) logSummary() {
	passed, failed, skipped, untested := s.tally()
	s.log.Printf("%d packages passed, %d failed, %d skipped, %d untested", passed, failed, skipped, untested)
}
