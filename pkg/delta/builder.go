package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gridctl/fleetbuild/pkg/logging"
	"github.com/gridctl/fleetbuild/pkg/process"
)

//go:generate mockgen -destination=mock_registry_test.go -package=delta . Registry

// Registry answers whether an image exists remotely and removes local images.
type Registry interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Remove(ctx context.Context, ref string) error
}

// Runner runs a command to completion and returns its exit code.
type Runner interface {
	Run(ctx context.Context, cmd process.Command) (int, error)
}

// Observer records delta build outcomes.
type Observer interface {
	ObserveDelta(outcome string, lockWait time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveDelta(string, time.Duration) {}

// Outcomes reported to the Observer.
const (
	OutcomeBuilt   = "built"
	OutcomeExists  = "exists"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// Options configures a Builder.
type Options struct {
	// DockerBinary builds and pushes images.
	DockerBinary string
	// DiffBinary generates the diff and delta build recipes.
	DiffBinary string
	// ScratchRoot holds per-build recipe directories.
	ScratchRoot string
	// DockerEnv is passed to every step so the CLI talks to the same daemon
	// as the SDK client (DOCKER_HOST, DOCKER_TLS_VERIFY, ...).
	DockerEnv map[string]string
}

// Result is the outcome of a delta build.
type Result struct {
	Name       string
	Existed    bool
	LockWait   time.Duration
	Overridden bool
}

// Builder generates delta images for (src, dest) pairs.
type Builder struct {
	opts     Options
	runner   Runner
	registry Registry
	locker   *Locker
	logger   *slog.Logger
	observer Observer
}

// NewBuilder creates a Builder.
func NewBuilder(opts Options, runner Runner, registry Registry, locker *Locker) *Builder {
	if opts.DockerBinary == "" {
		opts.DockerBinary = "docker"
	}
	if opts.ScratchRoot == "" {
		opts.ScratchRoot = os.TempDir()
	}
	return &Builder{
		opts:     opts,
		runner:   runner,
		registry: registry,
		locker:   locker,
		logger:   logging.NewDiscardLogger(),
		observer: noopObserver{},
	}
}

// SetLogger sets the logger.
func (b *Builder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetObserver sets the outcome observer.
func (b *Builder) SetObserver(o Observer) {
	if o != nil {
		b.observer = o
	}
}

// Build produces the delta image from src to dest, or returns the existing
// one. Concurrent calls for the same pair serialise on the delta lock.
func (b *Builder) Build(ctx context.Context, src, dest string) (*Result, error) {
	ref, err := Derive(src, dest)
	if err != nil {
		b.observer.ObserveDelta(OutcomeInvalid, 0)
		return nil, err
	}
	logger := logging.ForRequest(ctx, b.logger).With("delta", ref.Name)

	res := &Result{Name: ref.Name}
	for {
		waited, overridden, err := b.locker.Wait(ctx, ref.LockName())
		res.LockWait += waited
		res.Overridden = overridden
		if err != nil {
			b.observer.ObserveDelta(OutcomeFailed, res.LockWait)
			return nil, fmt.Errorf("waiting for delta lock: %w", err)
		}

		found, err := b.registry.Exists(ctx, ref.Name)
		if err != nil {
			b.observer.ObserveDelta(OutcomeFailed, res.LockWait)
			return nil, fmt.Errorf("checking registry for %s: %w", ref.Name, err)
		}
		if found {
			logger.Info("delta already exists")
			res.Existed = true
			b.observer.ObserveDelta(OutcomeExists, res.LockWait)
			return res, nil
		}

		lock, err := b.locker.Acquire(ref.LockName(), ref.Name, overridden)
		if errors.Is(err, ErrLockHeld) {
			logger.Info("delta lock taken by another builder, waiting again")
			continue
		}
		if err != nil {
			b.observer.ObserveDelta(OutcomeFailed, res.LockWait)
			return nil, fmt.Errorf("acquiring delta lock: %w", err)
		}

		if err := b.build(ctx, ref, lock, logger); err != nil {
			b.observer.ObserveDelta(OutcomeFailed, res.LockWait)
			return nil, err
		}
		b.observer.ObserveDelta(OutcomeBuilt, res.LockWait)
		return res, nil
	}
}

func (b *Builder) build(ctx context.Context, ref Reference, lock *Lock, logger *slog.Logger) (err error) {
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			logger.Error("releasing delta lock", "error", rerr)
		}
	}()

	if err := os.MkdirAll(b.opts.ScratchRoot, 0o755); err != nil {
		return fmt.Errorf("creating scratch root: %w", err)
	}
	dir, err := os.MkdirTemp(b.opts.ScratchRoot, "delta-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(dir); rerr != nil {
			logger.Error("removing scratch directory", "dir", dir, "error", rerr)
		}
	}()

	diffRecipe := filepath.Join(dir, "Dockerfile.diff")
	deltaRecipe := filepath.Join(dir, "Dockerfile.delta")
	diffImage := ref.Name + "-diff"

	steps := []struct {
		name string
		args []string
	}{
		{"generating diff recipe", []string{b.opts.DiffBinary, "diff", "--source", ref.Src.Location, "--target", ref.Dest.Location, "--output", diffRecipe}},
		{"building diff image", []string{b.opts.DockerBinary, "build", "--file", diffRecipe, "--tag", diffImage, dir}},
		{"generating delta recipe", []string{b.opts.DiffBinary, "delta", "--diff", diffImage, "--output", deltaRecipe}},
		{"building delta image", []string{b.opts.DockerBinary, "build", "--file", deltaRecipe, "--tag", ref.Name, dir}},
		{"pushing delta image", []string{b.opts.DockerBinary, "push", ref.Name}},
	}

	// Local images are removed whatever happens to the remaining steps.
	defer func() {
		for _, img := range []string{diffImage, ref.Name} {
			if rerr := b.registry.Remove(context.WithoutCancel(ctx), img); rerr != nil && err == nil {
				err = fmt.Errorf("removing local image %s: %w", img, rerr)
			}
		}
	}()

	for _, step := range steps {
		logger.Info(step.name)
		code, err := b.runner.Run(ctx, process.Command{Args: step.args, Dir: dir, Env: b.opts.DockerEnv})
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if code != 0 {
			return fmt.Errorf("%s: %s exited with code %d", step.name, filepath.Base(step.args[0]), code)
		}
	}
	logger.Info("delta pushed")
	return nil
}
