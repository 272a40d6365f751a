// Package sandbox runs a package's test suite in a user-namespace-isolated
// child process with a freshly initialised /dev/pts, /dev/shm and /etc/hosts,
// and with the runtime installation mounted read-only at a fixed path.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Runner executes a test suite. Implementations report a nil error for a
// passing run; the caller maps a non-nil error to a test failure.
type Runner interface {
	Run(ctx context.Context, cwd string, args []string, stdout, stderr io.Writer) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cwd string, args []string, stdout, stderr io.Writer) error

func (f RunnerFunc) Run(ctx context.Context, cwd string, args []string, stdout, stderr io.Writer) error {
	return f(ctx, cwd, args, stdout, stderr)
}

// RuntimePath is where the runtime installation appears inside the sandbox.
const RuntimePath = "/run/runtime"

const (
	childEnv      = "PKGEVAL_SANDBOX_PROCESS"
	runtimeDirEnv = "PKGEVAL_RUNTIME_DIR"
)

// Namespaced is a Runner which re-executes the current binary in new user
// and mount namespaces, mapping the current uid/gid to root so that the
// child can mount file systems.
type Namespaced struct {
	// RuntimeDir is the host path of the runtime installation.
	RuntimeDir string
}

func (n *Namespaced) Run(ctx context.Context, cwd string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, os.Args[0], args...)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	cmd.Env = append(os.Environ(),
		childEnv+"=1",
		runtimeDirEnv+"="+n.RuntimeDir)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if hints := usernsHints(); len(hints) > 0 {
			fmt.Fprintf(stderr, "\nuser namespaces seem unavailable; the sandbox cannot set up its mounts without them. A host administrator could run:\n%s\n\n", strings.Join(hints, "\n"))
		}
		return xerrors.Errorf("%v: %w", cmd.Args, err)
	}
	return nil
}

// usernsHints checks the two sysctls which commonly leave unprivileged user
// namespaces switched off and returns the commands that would enable them.
// An empty result means the kernel configuration looks fine and the sandbox
// failure has some other cause.
func usernsHints() []string {
	var hints []string
	if b, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		if strings.TrimSpace(string(b)) != "1" {
			hints = append(hints, "sysctl -w kernel.unprivileged_userns_clone=1")
		}
	}
	if b, err := os.ReadFile("/proc/sys/user/max_user_namespaces"); err == nil {
		if strings.TrimSpace(string(b)) == "0" {
			hints = append(hints, "sysctl -w user.max_user_namespaces=10000")
		}
	}
	return hints
}

// IsChild reports whether this process is the sandboxed child of a
// Namespaced runner.
func IsChild() bool { return os.Getenv(childEnv) == "1" }

// Child runs inside the namespaces: it initialises the sandbox mounts and
// execs the runtime's entry point with the given arguments. It only returns
// on error.
func Child(args []string) error {
	runtimeDir := os.Getenv(runtimeDirEnv)
	if runtimeDir == "" {
		return xerrors.Errorf("%s is not set", runtimeDirEnv)
	}

	// We are running in a separate mount namespace now.
	if err := syscall.Mount("devpts", "/dev/pts", "devpts", 0, "newinstance,ptmxmode=0666"); err != nil {
		return xerrors.Errorf("mount devpts /dev/pts: %v", err)
	}
	if err := syscall.Mount("tmpfs", "/dev/shm", "tmpfs", 0, ""); err != nil {
		return xerrors.Errorf("mount tmpfs /dev/shm: %v", err)
	}

	// Bind a fresh hosts file over /etc/hosts:
	hosts, err := os.CreateTemp("", "hosts")
	if err != nil {
		return err
	}
	if _, err := hosts.WriteString("127.0.0.1 localhost\n::1 localhost\n"); err != nil {
		return err
	}
	if err := hosts.Close(); err != nil {
		return err
	}
	if err := syscall.Mount(hosts.Name(), "/etc/hosts", "none", syscall.MS_BIND, ""); err != nil {
		return xerrors.Errorf("bind mount %s /etc/hosts: %v", hosts.Name(), err)
	}

	// Make the runtime available read-only at RuntimePath. /run is
	// guaranteed to exist, so mount a tmpfs there and create the mountpoint:
	if err := syscall.Mount("tmpfs", "/run", "tmpfs", 0, ""); err != nil {
		return xerrors.Errorf("mount tmpfs /run: %v", err)
	}
	if err := os.MkdirAll(RuntimePath, 0755); err != nil {
		return err
	}
	if err := syscall.Mount(runtimeDir, RuntimePath, "none", syscall.MS_BIND, ""); err != nil {
		return xerrors.Errorf("bind mount %s %s: %v", runtimeDir, RuntimePath, err)
	}
	// The kernel ignores MS_RDONLY on the initial bind mount; remount:
	if err := syscall.Mount("", RuntimePath, "none", syscall.MS_REMOUNT|syscall.MS_BIND|syscall.MS_RDONLY, ""); err != nil {
		return xerrors.Errorf("remount %s read-only: %v", RuntimePath, err)
	}

	entry := filepath.Join(RuntimePath, "bin", "runtime")
	argv := append([]string{entry}, args...)
	if err := unix.Exec(entry, argv, os.Environ()); err != nil {
		return xerrors.Errorf("exec %s: %v", entry, err)
	}
	return nil
}
