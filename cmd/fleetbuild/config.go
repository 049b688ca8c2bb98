package main

import (
	"github.com/spf13/cobra"

	"github.com/gridctl/fleetbuild/pkg/config"
	"github.com/gridctl/fleetbuild/pkg/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Long: `Loads and validates the FLEETBUILD_* configuration and prints every
setting, including derived defaults. Credentials are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		output.NewWithWriter(cmd.OutOrStdout()).Config(settings(cfg))
		return nil
	},
}

func settings(cfg *config.Config) []output.Setting {
	fields := cfg.Fields()
	out := make([]output.Setting, len(fields))
	for i, f := range fields {
		out[i] = output.Setting{Name: f.Name, Value: f.Value}
	}
	return out
}
