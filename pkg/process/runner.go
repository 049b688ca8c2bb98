// Package process spawns the external build toolchain, docker and diff tools.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gridctl/fleetbuild/pkg/logging"
)

// ErrEmptyCommand is returned when a command has no arguments left after
// empty entries are dropped.
var ErrEmptyCommand = errors.New("empty command")

// WaitMode selects whether Execute returns before or after the process exits.
type WaitMode int

const (
	// Blocking waits for the process to exit and drains its output.
	Blocking WaitMode = iota
	// Detached returns a live handle immediately.
	Detached
)

// Command describes a single external invocation.
type Command struct {
	// Args is the command vector. Empty strings are dropped so callers can
	// omit optional flags inline.
	Args []string
	// Dir is the working directory of the child.
	Dir string
	// ConfigDir is where the toolchain keeps its credentials. Defaults to Dir.
	ConfigDir string
	// Env overrides the base environment.
	Env map[string]string
}

// Observer is notified when processes start and exit.
type Observer interface {
	ProcessStarted(name string)
	ProcessExited(name string, code int)
}

type noopObserver struct{}

func (noopObserver) ProcessStarted(string)     {}
func (noopObserver) ProcessExited(string, int) {}

// Runner spawns commands with a controlled environment.
type Runner struct {
	logger   *slog.Logger
	observer Observer
}

// NewRunner creates a Runner that discards logs until SetLogger is called.
func NewRunner() *Runner {
	return &Runner{
		logger:   logging.NewDiscardLogger(),
		observer: noopObserver{},
	}
}

// SetLogger sets the logger used for command output.
func (r *Runner) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetObserver sets the observer notified on process start and exit.
func (r *Runner) SetObserver(o Observer) {
	if o != nil {
		r.observer = o
	}
}

// Execute spawns the command. In Blocking mode the returned handle has
// already exited and its output has been drained.
func (r *Runner) Execute(ctx context.Context, cmd Command, mode WaitMode) (*Handle, error) {
	h, err := r.Start(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if mode == Detached {
		return h, nil
	}

	h.Drain()
	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Terminate()
		<-h.Done()
	}
	h.waitDrained()
	h.Close()
	return h, nil
}

// Run executes the command in Blocking mode and returns its exit code.
// A non-zero exit code is not an error.
func (r *Runner) Run(ctx context.Context, cmd Command) (int, error) {
	h, err := r.Execute(ctx, cmd, Blocking)
	if err != nil {
		return -1, err
	}
	return h.ExitCode(), nil
}

// Start spawns the command and returns a live handle. The caller must
// consume or Drain its output and eventually Close it.
func (r *Runner) Start(ctx context.Context, cmd Command) (*Handle, error) {
	args := compact(cmd.Args)
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}

	configDir := cmd.ConfigDir
	if configDir == "" {
		configDir = cmd.Dir
	}

	c := exec.Command(args[0], args[1:]...)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(baseEnv(configDir), cmd.Env)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	c.Stdout = stdoutW
	c.Stderr = stderrW

	name := filepath.Base(args[0])
	logger := r.logger.With("process", name)
	logger.Debug("starting process", "command", strings.Join(args, " "), "dir", cmd.Dir)

	if err := c.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	r.observer.ProcessStarted(name)
	h := newHandle(name, c, stdoutR, stderrR, logger)
	go h.wait(r.observer)
	return h, nil
}

// compact drops empty arguments.
func compact(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
