package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	failCaches []string

	appVersion = "dev"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cachemgmt",
		Short: "Versioned configuration engine for clustered caches",
		Long: `cachemgmt manages the configuration of cache containers and their caches.

Every change is an operation that is validated against the resource model,
applied to the configuration tree in a transaction and, where it affects
running caches, reconciled with the services before it commits. A failed
operation leaves both the tree and the running services untouched.

The committed tree is stored in SQLite after every change. Each invocation
replays the latest stored tree before running its command.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "server config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&failCaches, "fail-cache", nil,
		"make starts of container/cache fail (debugging)")
	_ = rootCmd.PersistentFlags().MarkHidden("fail-cache")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newSnapshotsCommand())
	rootCmd.AddCommand(newVersionsCommand())
	rootCmd.AddCommand(newDescribeCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
