package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cachegrid/cachemgmt/pkg/config"
)

func newApplyCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply <file.cue|dir>...",
		Short: "Add the resources of a CUE configuration",
		Long: `Add every resource declared in CUE files or directories.

All resources are added in one composite operation: either every resource is
added and its caches start, or nothing changes. A document may declare an
older model version; its attributes are translated to the current model.`,
		Example: `  # Apply one file
  cachemgmt apply web.cue

  # Check a directory without applying it
  cachemgmt apply ./caches --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				parser, err := config.NewCUEParser(rt.sub.Registry)
				if err != nil {
					return err
				}
				b, err := parser.Parse(args...)
				if err != nil {
					var perr *config.ParseError
					if errors.As(err, &perr) && !jsonOutput {
						for _, e := range perr.Errors {
							fmt.Fprintln(cmd.ErrOrStderr(), e.String())
						}
					}
					return err
				}

				rt.logger.Info().
					Strs("sources", b.SourceFiles).
					Str("version", b.Version.String()).
					Int("resources", len(b.Operations)).
					Msg("Applying configuration")

				if dryRun || len(b.Operations) == 0 {
					for _, op := range b.Operations {
						fmt.Fprintf(out(cmd), "add %s\n", op.Address)
					}
					return nil
				}
				return printResult(out(cmd), rt.sub.Pipeline.Execute(ctx, b.Operation()))
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and list the resources without applying them")

	return cmd
}
