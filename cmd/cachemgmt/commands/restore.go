package commands

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/subsystem"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

func newRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <generation>",
		Short: "Restore a stored configuration generation",
		Long: `Replace the committed tree with a stored generation.

The current resources are removed and the stored ones added in one composite
operation, so the caches are reconciled with the restored tree and a failure
leaves the current configuration in place. The restored tree is committed as
a new generation.`,
		Example: `  # List stored generations, then restore one
  cachemgmt snapshots
  cachemgmt restore 12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			generation, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid generation %q: %w", args[0], err)
			}
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				snap, err := rt.store.LoadSnapshot(ctx, generation)
				if err != nil {
					return fmt.Errorf("failed to load generation %d: %w", generation, err)
				}
				op := restoreOperation(rt.sub.Store.Children(address.Root()), snap)
				if op == nil {
					fmt.Fprintln(out(cmd), "nothing to restore")
					return nil
				}
				rt.logger.Info().Uint64("generation", generation).Int("resources", snap.Len()).Msg("Restoring configuration")
				return printResult(out(cmd), rt.sub.Pipeline.Execute(ctx, op))
			})
		},
	}

	return cmd
}

// restoreOperation removes the current top-level resources and adds snap.
// It returns nil when there is nothing to do.
func restoreOperation(current []address.Address, snap *snapshot.Snapshot) *engine.Operation {
	var steps []*engine.Operation
	for _, addr := range current {
		steps = append(steps, engine.NewOperation(engine.OpRemove, addr,
			value.NewObject().Set("cascade", value.Bool(true))))
	}
	if snap.Len() > 0 {
		steps = append(steps, subsystem.RestoreOperations(snap).Steps...)
	}
	if len(steps) == 0 {
		return nil
	}
	return engine.Composite(steps...)
}

func newSnapshotsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List stored configuration generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				infos, err := rt.store.ListSnapshots(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), infos)
				}
				tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "GENERATION\tVERSION\tRESOURCES\tSAVED")
				for _, info := range infos {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", info.Generation, info.Version, info.Resources,
						info.SavedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of generations")

	return cmd
}
