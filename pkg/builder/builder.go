// Package builder runs one build request end to end: it extracts the source,
// drives the toolchain on the right builder, streams progress back to the
// caller, requests delta images for changed services and finalizes the
// release.
package builder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gridctl/fleetbuild/pkg/delta"
	"github.com/gridctl/fleetbuild/pkg/logging"
	"github.com/gridctl/fleetbuild/pkg/metadata"
	"github.com/gridctl/fleetbuild/pkg/process"
	"github.com/gridctl/fleetbuild/pkg/progress"
)

// Build outcomes reported to the Observer.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Phase names used for spans and timings.
const (
	PhaseWorkdir  = "workdir"
	PhaseLogin    = "login"
	PhaseResolve  = "resolve"
	PhaseBuild    = "build"
	PhaseDeltas   = "deltas"
	PhaseFinalize = "finalize"
)

var errCancelled = errors.New("build cancelled")

// Runner starts toolchain processes.
type Runner interface {
	Run(ctx context.Context, cmd process.Command) (int, error)
	Start(ctx context.Context, cmd process.Command) (*process.Handle, error)
}

// Observer receives build metrics.
type Observer interface {
	ObserveBuild(outcome string, d time.Duration)
	ObservePhase(phase string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveBuild(string, time.Duration) {}
func (noopObserver) ObservePhase(string, time.Duration) {}

// Options configures an Orchestrator.
type Options struct {
	Toolchain    string
	WorkdirRoot  string
	Endpoints    Endpoints
	ServiceToken string
}

// Orchestrator serves build requests. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	opts     Options
	runner   Runner
	meta     *metadata.Client
	deltas   DeltaRequester
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
	inflight sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options, runner Runner, meta *metadata.Client, deltas DeltaRequester) *Orchestrator {
	if opts.Toolchain == "" {
		opts.Toolchain = "balena"
	}
	return &Orchestrator{
		opts:     opts,
		runner:   runner,
		meta:     meta,
		deltas:   deltas,
		logger:   logging.NewDiscardLogger(),
		observer: noopObserver{},
		tracer:   otel.Tracer("github.com/gridctl/fleetbuild/pkg/builder"),
	}
}

// SetLogger sets the logger for build operations.
func (o *Orchestrator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// SetObserver sets the metrics observer.
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs != nil {
		o.observer = obs
	}
}

// Wait blocks until every headless build has finished.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Serve runs req, reading the source archive from body and writing the
// response to w. Headless builds return as soon as the toolchain is running
// and finish in the background; all others return when the build is done or
// ctx is cancelled.
func (o *Orchestrator) Serve(ctx context.Context, w http.ResponseWriter, req Request, body io.Reader) {
	b := &build{
		o:      o,
		req:    req,
		w:      w,
		logger: logging.ForRequest(ctx, o.logger).With("app", req.AppSlug),
		start:  time.Now(),
	}

	handedOff := false
	defer func() {
		if !handedOff {
			b.finish()
		}
	}()

	handle, err := b.prepare(ctx, body)
	if err != nil {
		b.fail(err)
		return
	}

	if req.Headless {
		b.reply(http.StatusOK, "Build started")
		handedOff = true
		o.inflight.Add(1)
		go func() {
			defer o.inflight.Done()
			defer b.finish()
			b.complete(context.WithoutCancel(ctx), handle)
		}()
		return
	}

	b.complete(ctx, handle)
}

// build is the state of one request.
type build struct {
	o      *Orchestrator
	req    Request
	w      http.ResponseWriter
	logger *slog.Logger
	start  time.Time

	workdir  *Workdir
	meta     *metadata.Client
	target   Target
	previous int64
	outcome  string

	mu     sync.Mutex
	commit string

	stream    *progress.Stream
	responded bool
}

// prepare takes the request from Received to Building and returns the
// running toolchain.
func (b *build) prepare(ctx context.Context, body io.Reader) (*process.Handle, error) {
	o := b.o
	if !o.opts.Endpoints.Any() {
		return nil, fault(KindUnavailable, nil, "no builder configured")
	}
	b.meta = o.meta.WithToken(b.req.AuthToken)

	err := b.phase(ctx, PhaseWorkdir, func(ctx context.Context) error {
		w, err := NewWorkdir(o.opts.WorkdirRoot)
		if err != nil {
			return fault(KindResource, err, "preparing workdir")
		}
		b.workdir = w
		if err := w.Extract(body); err != nil {
			return fault(KindValidation, err, "invalid source archive")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = b.phase(ctx, PhaseLogin, func(ctx context.Context) error {
		code, err := o.runner.Run(ctx, b.command(o.opts.Toolchain, "login", "--token", b.req.AuthToken))
		if err != nil {
			return fault(KindProcess, err, "running toolchain login")
		}
		if code != 0 {
			return fault(KindUnauthorized, nil, "toolchain login rejected the token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = b.phase(ctx, PhaseResolve, func(ctx context.Context) error {
		arch, err := b.meta.ArchitectureOf(ctx, b.req.AppSlug)
		if err != nil {
			return fault(KindUpstream, err, "resolving architecture of %s", b.req.AppSlug)
		}
		target, err := SelectTarget(arch, o.opts.Endpoints, b.req.Emulated)
		if err != nil {
			return fault(KindUnavailable, err, "selecting builder")
		}
		b.target = target

		prev, err := b.meta.ActiveReleaseID(ctx, b.req.AppSlug)
		switch {
		case errors.Is(err, metadata.ErrNotFound):
			b.previous = 0
		case err != nil:
			return fault(KindUpstream, err, "resolving active release of %s", b.req.AppSlug)
		default:
			b.previous = prev
		}

		b.logger.Info("builder selected",
			"arch", arch,
			"docker_host", target.DockerHost,
			"emulated", target.Emulated,
			"platform", target.Platform.OS+"/"+target.Platform.Architecture,
			"previous_release", b.previous)
		return nil
	})
	if err != nil {
		return nil, err
	}

	cmd := b.command(o.opts.Toolchain, "deploy", b.req.AppSlug,
		"--build", "--draft",
		flag(b.target.Emulated, "--emulated"),
		flag(b.req.NoCache, "--nocache"),
		flag(b.req.DockerfilePath != "", "--dockerfile"), b.req.DockerfilePath,
	)
	cmd.Env = map[string]string{"DOCKER_HOST": b.target.DockerHost}

	handle, err := o.runner.Start(ctx, cmd)
	if err != nil {
		return nil, fault(KindProcess, err, "starting build")
	}
	return handle, nil
}

// complete follows the running build through to the end.
func (b *build) complete(ctx context.Context, handle *process.Handle) {
	defer handle.Close()

	err := b.phase(ctx, PhaseBuild, func(ctx context.Context) error {
		return b.await(ctx, handle)
	})
	if errors.Is(err, errCancelled) {
		b.outcome = OutcomeCancelled
		b.logger.Info("build cancelled by client")
		return
	}
	if err == nil {
		err = b.phase(ctx, PhaseDeltas, b.generateDeltas)
	}
	if err == nil && !b.req.Headless && !b.req.IsDraft {
		err = b.phase(ctx, PhaseFinalize, b.finalize)
	}
	if err != nil {
		b.fail(err)
		return
	}

	b.outcome = OutcomeSucceeded
	b.logger.Info("build completed", "commit", b.releaseCommit(), "duration", time.Since(b.start))
}

// await pumps the toolchain output until it exits and captures the release
// commit.
func (b *build) await(ctx context.Context, handle *process.Handle) error {
	observe := func(line string) {
		if commit, ok := progress.ReleaseCommit(line); ok {
			b.mu.Lock()
			b.commit = commit
			b.mu.Unlock()
		}
	}

	var pumps sync.WaitGroup
	if !b.req.Headless {
		b.openStream()
		pumps.Add(2)
		go func() {
			defer pumps.Done()
			if err := b.stream.Pipe(handle.Stdout(), observe); err != nil {
				b.logger.Debug("stdout pump stopped", "error", err)
			}
		}()
		go func() {
			defer pumps.Done()
			if err := b.stream.Pipe(handle.Stderr(), nil); err != nil {
				b.logger.Debug("stderr pump stopped", "error", err)
			}
		}()
	} else {
		pumps.Add(2)
		go func() {
			defer pumps.Done()
			_ = progress.Scan(handle.Stdout(), observe)
		}()
		go func() {
			defer pumps.Done()
			_, _ = io.Copy(io.Discard, handle.Stderr())
		}()
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		if handle.Terminate() {
			b.logger.Info("client disconnected, build terminated")
		}
		<-handle.Done()
		handle.Close()
		pumps.Wait()
		return errCancelled
	}
	pumps.Wait()

	code, _ := handle.Wait()
	commit := b.releaseCommit()
	if commit == "" {
		return fault(KindProcess, nil, "build finished without creating a release (exit code %d)", code)
	}
	if code != 0 {
		b.logger.Warn("build exited non-zero after creating a release", "exit_code", code, "commit", commit)
	}
	b.logger.Info("release created", "commit", commit)
	return nil
}

// generateDeltas asks the delta service for a delta of every changed service
// image between the previous active release and the new one.
func (b *build) generateDeltas(ctx context.Context) error {
	if b.previous == 0 {
		b.logger.Info("no previous release, skipping deltas")
		return nil
	}

	commit := b.releaseCommit()
	current, err := b.meta.ReleaseIDForCommit(ctx, b.req.AppSlug, commit)
	if err != nil {
		return fault(KindUpstream, err, "resolving release %s", commit)
	}
	oldImages, err := b.meta.ImagesOf(ctx, b.previous)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return fault(KindUpstream, err, "listing images of release %d", b.previous)
	}
	newImages, err := b.meta.ImagesOf(ctx, current)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return fault(KindUpstream, err, "listing images of release %d", current)
	}

	jobs := delta.PickDeltas(oldImages, newImages)
	b.logger.Info("deltas planned", "previous_release", b.previous, "release", current, "jobs", len(jobs))
	if len(jobs) == 0 {
		return nil
	}
	return b.spin(ctx, "Generating image deltas", func(ctx context.Context) error {
		return b.dispatch(ctx, jobs)
	})
}

func (b *build) dispatch(ctx context.Context, jobs []delta.Job) error {
	service := b.o.meta.WithToken(b.o.opts.ServiceToken)

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			token, err := service.RegistryToken(ctx, []string{job.Src, job.Dest})
			if err != nil {
				return fault(KindUpstream, err, "requesting registry token for service %d", job.ServiceID)
			}
			name, err := b.o.deltas.Request(ctx, job, token)
			if err != nil {
				return fault(KindUpstream, err, "generating delta for service %d", job.ServiceID)
			}
			b.logger.Info("delta ready", "service", job.ServiceID, "delta", name)
			return nil
		})
	}
	return g.Wait()
}

func (b *build) finalize(ctx context.Context) error {
	commit := b.releaseCommit()
	return b.spin(ctx, "Finalizing release", func(ctx context.Context) error {
		code, err := b.o.runner.Run(ctx, b.command(b.o.opts.Toolchain, "release", "finalize", commit))
		if err != nil {
			return fault(KindProcess, err, "running release finalize")
		}
		if code != 0 {
			return fault(KindProcess, nil, "release finalize exited with code %d", code)
		}
		return nil
	})
}

// phase runs fn inside a span and records its duration.
func (b *build) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := b.o.tracer.Start(ctx, "build."+name, trace.WithAttributes(
		attribute.String("app", b.req.AppSlug),
		attribute.Bool("headless", b.req.Headless),
	))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	b.o.observer.ObservePhase(name, time.Since(started))

	if err != nil && !errors.Is(err, errCancelled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (b *build) spin(ctx context.Context, message string, step func(context.Context) error) error {
	if b.stream == nil {
		return step(ctx)
	}
	return b.stream.Spin(ctx, message, step)
}

func (b *build) command(args ...string) process.Command {
	return process.Command{
		Args:      args,
		Dir:       b.workdir.SourceDir(),
		ConfigDir: b.workdir.ConfigDir(),
	}
}

func (b *build) releaseCommit() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commit
}

func (b *build) openStream() {
	h := b.w.Header()
	h.Set("Content-Type", progress.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	b.w.WriteHeader(http.StatusOK)
	b.responded = true
	b.stream = progress.NewStream(b.w)
}

func (b *build) reply(status int, body string) {
	b.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	b.w.WriteHeader(status)
	_, _ = io.WriteString(b.w, body)
	if f, ok := b.w.(http.Flusher); ok {
		f.Flush()
	}
	b.responded = true
}

// fail reports err through whatever channel is still open to the caller.
func (b *build) fail(err error) {
	b.outcome = OutcomeFailed
	b.logger.Error("build failed", "error", err)
	switch {
	case b.stream != nil:
		_ = b.stream.Error(err.Error())
	case b.responded:
	default:
		http.Error(b.w, err.Error(), StatusCode(err))
	}
}

// finish removes the workdir and records the outcome.
func (b *build) finish() {
	if b.workdir != nil {
		if err := b.workdir.Remove(); err != nil {
			b.logger.Warn("failed to remove workdir", "path", b.workdir.Path(), "error", err)
		}
	}
	if b.outcome == "" {
		b.outcome = OutcomeFailed
	}
	b.o.observer.ObserveBuild(b.outcome, time.Since(b.start))
}

// flag returns name when set, or an empty argument that the runner drops.
func flag(set bool, name string) string {
	if set {
		return name
	}
	return ""
}
