package cli

import (
	"github.com/spf13/cobra"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

// RootCmd builds the keeperhub-runner command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keeperhub-runner",
		Short:         "KeeperHub workflow trigger runner",
		Long:          "Background worker that consumes workflow triggers from the queue and executes their step DAGs.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to a YAML configuration file")
	root.PersistentFlags().String("env-file", "", "path to a .env file loaded before configuration")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error, disabled)")
	root.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	root.PersistentFlags().Bool("log-source", false, "report source positions in logs")

	root.AddCommand(
		StartCmd(),
		ValidateCmd(),
	)
	return root
}
