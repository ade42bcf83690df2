// Package commands provides CLI command implementations for millstone.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/millstone-build/millstone/internal/config"
	"github.com/millstone-build/millstone/pkg/version"
)

// rootState holds flags shared by every subcommand.
type rootState struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand creates the millstone root command.
func NewRootCommand() *cobra.Command {
	rs := &rootState{}

	cobraCmd := &cobra.Command{
		Use:           "millstone",
		Short:         "Fingerprint store and cache-miss analysis tooling",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if rs.verbose {
				level = slog.LevelDebug
			}

			rs.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(rs.logger)

			cfg, err := config.LoadConfig(rs.configPath)
			if err != nil {
				return err
			}

			rs.cfg = cfg

			return nil
		},
	}

	cobraCmd.PersistentFlags().StringVar(&rs.configPath, "config", "", "Config file path (default: .millstone.yaml in CWD or $HOME)")
	cobraCmd.PersistentFlags().BoolVarP(&rs.verbose, "verbose", "v", false, "Enable debug logging")

	cobraCmd.AddCommand(
		NewDiffCommand(rs),
		NewPublishCommand(rs),
		NewRetrieveCommand(rs),
		NewConfigInitCommand(),
	)

	return cobraCmd
}

// NewConfigInitCommand prints the default configuration template.
func NewConfigInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config-init",
		Short: "Print the default configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := config.DefaultYAML()
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(raw)

			return err
		},
	}
}
