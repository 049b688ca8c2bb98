package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridctl/fleetbuild/pkg/config"
	"github.com/gridctl/fleetbuild/pkg/logging"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "fleetbuild",
	Short: "Container build service for device fleets",
	Long: `Fleetbuild builds container images for device fleets.

It accepts a source archive over HTTP, drives the build toolchain on a
builder matching the fleet's architecture, streams progress back to the
caller, and generates binary deltas between the new release's images and
the ones devices are already running.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load FLEETBUILD_* variables from a .env file (process environment wins)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deltaCmd)
	rootCmd.AddCommand(configCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration from the environment and the optional
// --env-file.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		return config.LoadWithDotenv(envFile, os.Environ())
	}
	return config.Load(os.Environ())
}

// newLogger builds the process logger. When buffer is non-nil, records are
// also kept in memory for /api/logs.
func newLogger(cfg *config.Config, buffer *logging.LogBuffer) *slog.Logger {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	logCfg.Format = logging.ParseFormat(cfg.LogFormat)
	logCfg.File = cfg.LogFile
	logCfg.Secrets = cfg.Secrets()

	logger := logging.NewStructuredLogger(logCfg)
	if buffer == nil {
		return logger
	}
	handler := logging.NewBufferHandler(buffer, logger.Handler())
	return slog.New(logging.NewRedactingHandler(handler, cfg.Secrets()...))
}
