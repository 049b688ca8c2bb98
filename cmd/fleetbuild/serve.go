package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridctl/fleetbuild/internal/api"
	"github.com/gridctl/fleetbuild/pkg/builder"
	"github.com/gridctl/fleetbuild/pkg/delta"
	"github.com/gridctl/fleetbuild/pkg/dockerclient"
	"github.com/gridctl/fleetbuild/pkg/janitor"
	"github.com/gridctl/fleetbuild/pkg/logging"
	"github.com/gridctl/fleetbuild/pkg/metadata"
	"github.com/gridctl/fleetbuild/pkg/metrics"
	"github.com/gridctl/fleetbuild/pkg/output"
	"github.com/gridctl/fleetbuild/pkg/process"
	"github.com/gridctl/fleetbuild/pkg/registry"
	"github.com/gridctl/fleetbuild/pkg/tracing"
)

var (
	serveQuiet           bool
	serveShutdownTimeout time.Duration
	serveAllowedOrigins  []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the build service",
	Long: `Starts the HTTP build service.

  POST /build   - build a source archive and stream progress
  GET  /delta   - build (or find) the delta between two images
  GET  /health  - liveness check
  GET  /ready   - readiness check (Docker daemon reachable)
  GET  /metrics - Prometheus metrics

Stops on SIGINT or SIGTERM after in-flight requests and background
builds have finished.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&serveQuiet, "quiet", "q", false, "Do not print the banner and configuration")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Minute, "Maximum time to wait for in-flight builds on shutdown")
	serveCmd.Flags().StringSliceVar(&serveAllowedOrigins, "allowed-origin", nil, "Origin allowed to call the API from a browser (repeatable, * for any)")
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logBuffer := logging.NewLogBuffer(1000)
	logger := newLogger(cfg, logBuffer)

	printer := output.New()
	if !serveQuiet {
		printer.Banner(version)
		printer.Config(settings(cfg))
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	recorder := metrics.NewRecorder(nil)

	runner := process.NewRunner()
	runner.SetLogger(logging.WithComponent(logger, "process"))
	runner.SetObserver(recorder)

	cli, err := dockerclient.New()
	if err != nil {
		return err
	}
	defer cli.Close()

	images, err := registry.New(cli, cfg.RegistryHost, cfg.ServiceToken)
	if err != nil {
		return err
	}

	// Build requests
	meta := metadata.New(cfg.APIHost, cfg.RegistryHost, metadata.WithTimeout(cfg.HTTPTimeout))
	endpoints := builder.Endpoints{Amd64: cfg.Amd64Builder, Arm64: cfg.Arm64Builder}
	orch := builder.New(builder.Options{
		Toolchain:    cfg.ToolchainBinary,
		WorkdirRoot:  cfg.WorkdirRoot,
		Endpoints:    endpoints,
		ServiceToken: cfg.ServiceToken,
	}, runner, meta, builder.NewDeltaService("https://"+cfg.DeltaHost, nil))
	orch.SetLogger(logging.WithComponent(logger, "builder"))
	orch.SetObserver(recorder)
	if !endpoints.Any() {
		logger.Warn("no builder endpoints configured; /build will return 503")
	}

	// Delta builds
	locker := delta.NewLocker(cfg.LockDir, cfg.LockCeiling, cfg.LockPollInterval)
	locker.SetLogger(logging.WithComponent(logger, "lock"))
	deltas := delta.NewBuilder(delta.Options{
		DockerBinary: cfg.DockerBinary,
		DiffBinary:   cfg.DiffBinary,
		ScratchRoot:  cfg.WorkdirRoot,
		DockerEnv:    dockerclient.Env(),
	}, runner, images, locker)
	deltas.SetLogger(logging.WithComponent(logger, "delta"))
	deltas.SetObserver(recorder)

	jan, err := janitor.New(janitor.Options{
		WorkdirRoot:   cfg.WorkdirRoot,
		WorkdirMaxAge: cfg.WorkdirMaxAge,
		LockDir:       cfg.LockDir,
		LockCeiling:   cfg.LockCeiling,
		Interval:      cfg.JanitorInterval,
	})
	if err != nil {
		return err
	}
	jan.SetLogger(logging.WithComponent(logger, "janitor"))
	if err := jan.Start(); err != nil {
		return err
	}
	defer func() {
		if err := jan.Stop(); err != nil {
			logger.Warn("stopping janitor failed", "error", err)
		}
	}()

	server := api.NewServer(orch, deltas)
	server.SetDockerClient(cli)
	server.SetMetricsHandler(recorder.Handler())
	server.SetLogBuffer(logBuffer)
	server.SetLogger(logging.WithComponent(logger, "api"))
	server.SetAllowedOrigins(serveAllowedOrigins)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("build service listening", "addr", cfg.ListenAddr, "version", version)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Headless builds outlive their requests.
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		logger.Warn("background builds still running at shutdown")
	}
	return nil
}
