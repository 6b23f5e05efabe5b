package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cachegrid/cachemgmt/pkg/config"
)

func newScriptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script <file.star>",
		Short: "Run a Starlark management script",
		Long: `Run a Starlark script whose builtins execute management operations.

Builtins: add, remove, write, undefine, read, read_resource, children,
describe, reload and model_version. Each mutating builtin is its own
operation; the script stops at the first operation that fails, and the
operations before it stay committed.`,
		Example: `  cachemgmt script resize.star`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				runner := config.NewScriptRunner(rt.sub.Pipeline, rt.cfg.Runtime.ScriptTimeout, rt.logger)
				result, err := runner.Run(ctx, args[0], string(src))

				if jsonOutput {
					if perr := printJSON(out(cmd), result); perr != nil {
						return perr
					}
				} else {
					for _, line := range result.Printed {
						fmt.Fprintln(out(cmd), line)
					}
					fmt.Fprintf(out(cmd), "%d operations in %v\n", len(result.Results), result.ExecutionTime)
				}
				return err
			})
		},
	}

	return cmd
}
