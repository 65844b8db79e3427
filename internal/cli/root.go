// Package cli holds the cobra commands of the continuum binary, one per
// process role.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand creates the root command of the continuum binary.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "continuum",
		Short: "continuum - continuous queries over change streams",
		Long: `continuum keeps the results of continuous queries up to date as their
sources change. Each subcommand runs one process role.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|console)")

	cmd.AddCommand(NewManagementCommand(opts))
	cmd.AddCommand(NewQueryHostCommand(opts))
	cmd.AddCommand(NewViewCommand(opts))
	cmd.AddCommand(NewPublishAPICommand(opts))
	cmd.AddCommand(NewRouterCommand(opts))
	cmd.AddCommand(NewDispatcherCommand(opts))
	cmd.AddCommand(NewSourceAPICommand(opts))
	cmd.AddCommand(NewReactivatorCommand(opts))
	cmd.AddCommand(NewProxyCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}
