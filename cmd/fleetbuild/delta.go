package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridctl/fleetbuild/pkg/delta"
	"github.com/gridctl/fleetbuild/pkg/dockerclient"
	"github.com/gridctl/fleetbuild/pkg/logging"
	"github.com/gridctl/fleetbuild/pkg/output"
	"github.com/gridctl/fleetbuild/pkg/process"
	"github.com/gridctl/fleetbuild/pkg/registry"
)

// imageFormat is the image location form /delta and the delta command accept.
const imageFormat = "<registry>/v<version>/<hex-id>"

var (
	deltaSrc     string
	deltaDest    string
	deltaVerbose bool
)

var deltaCmd = &cobra.Command{
	Use:   "delta --src <image> --dest <image>",
	Short: "Build one delta image locally",
	Long: `Builds the delta from --src to --dest with the local Docker daemon and
pushes it to the registry, exactly as GET /delta does. If the delta already
exists nothing is built.

On failure the log of the build is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelta(cmd)
	},
}

func init() {
	deltaCmd.Flags().StringVar(&deltaSrc, "src", "", "Source image ("+imageFormat+", no tag)")
	deltaCmd.Flags().StringVar(&deltaDest, "dest", "", "Destination image ("+imageFormat+", no tag)")
	deltaCmd.Flags().BoolVarP(&deltaVerbose, "verbose", "v", false, "Stream the build log while running")
	_ = deltaCmd.MarkFlagRequired("src")
	_ = deltaCmd.MarkFlagRequired("dest")
}

func runDelta(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	printer := output.NewWithWriter(cmd.OutOrStdout())
	printer.SetDebug(deltaVerbose)

	buffer := logging.NewLogBuffer(500)
	var inner slog.Handler
	if deltaVerbose {
		inner = newLogger(cfg, nil).Handler()
	}
	logger := slog.New(logging.NewRedactingHandler(logging.NewBufferHandler(buffer, inner), cfg.Secrets()...))

	cli, err := dockerclient.New()
	if err != nil {
		return err
	}
	defer cli.Close()

	images, err := registry.New(cli, cfg.RegistryHost, cfg.ServiceToken)
	if err != nil {
		return err
	}

	runner := process.NewRunner()
	runner.SetLogger(logging.WithComponent(logger, "process"))

	locker := delta.NewLocker(cfg.LockDir, cfg.LockCeiling, cfg.LockPollInterval)
	locker.SetLogger(logging.WithComponent(logger, "lock"))

	b := delta.NewBuilder(delta.Options{
		DockerBinary: cfg.DockerBinary,
		DiffBinary:   cfg.DiffBinary,
		ScratchRoot:  cfg.WorkdirRoot,
		DockerEnv:    dockerclient.Env(),
	}, runner, images, locker)
	b.SetLogger(logging.WithComponent(logger, "delta"))

	start := time.Now()
	res, err := b.Build(cmd.Context(), deltaSrc, deltaDest)
	if err != nil {
		if !deltaVerbose {
			replay(printer, buffer)
		}
		outcome := delta.OutcomeFailed
		if errors.Is(err, delta.ErrInvalidReference) || errors.Is(err, delta.ErrVersionMismatch) {
			outcome = delta.OutcomeInvalid
		}
		printer.Error("delta build failed", "outcome", outcome)
		return err
	}

	outcome := delta.OutcomeBuilt
	if res.Existed {
		outcome = delta.OutcomeExists
	}
	printer.Delta(output.DeltaSummary{
		Name:       res.Name,
		Outcome:    outcome,
		LockWait:   res.LockWait,
		Overridden: res.Overridden,
		Duration:   time.Since(start),
	})
	return nil
}

// replay prints buffered log records through the printer.
func replay(printer *output.Printer, buffer *logging.LogBuffer) {
	for _, e := range buffer.GetRecent(0) {
		keyvals := make([]any, 0, 2*len(e.Attrs)+2)
		if e.Component != "" {
			keyvals = append(keyvals, "component", e.Component)
		}
		for k, v := range e.Attrs {
			keyvals = append(keyvals, k, v)
		}
		switch e.Level {
		case slog.LevelError.String():
			printer.Error(e.Message, keyvals...)
		case slog.LevelWarn.String():
			printer.Warn(e.Message, keyvals...)
		case slog.LevelDebug.String():
			printer.Debug(e.Message, keyvals...)
		default:
			printer.Info(e.Message, keyvals...)
		}
	}
}
