package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		addr   string
		opType string
		state  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the operation journal",
		Long: `Show finished operations, newest first. Rolled-back operations are
listed with the failure that rolled them back.`,
		Example: `  # Everything that touched one container
  cachemgmt history --address /cache-container=web

  # Failed writes
  cachemgmt history --type write-attribute --state rolled-back`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opType != "" && !engine.OperationType(opType).Valid() {
				return fmt.Errorf("unknown operation %q", opType)
			}
			if state != "" {
				if err := engine.OperationState(state).Validate(); err != nil {
					return err
				}
			}
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				records, err := rt.store.History(ctx, stores.HistoryQuery{
					Address: addr,
					Type:    engine.OperationType(opType),
					State:   engine.OperationState(state),
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), records)
				}

				tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tOPERATION\tADDRESS\tSTATE\tGENERATION\tFAILURE")
				for _, rec := range records {
					failure := ""
					if rec.FailureCode != "" {
						failure = rec.FailureCode + ": " + rec.FailureMessage
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						rec.StartedAt.Format("2006-01-02 15:04:05"), rec.Type, rec.Address, rec.State,
						rec.Generation, failure)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&addr, "address", "", "only operations on this address or below it")
	cmd.Flags().StringVar(&opType, "type", "", "only operations of this type")
	cmd.Flags().StringVar(&state, "state", "", "only operations in this state (committed, rolled-back)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of operations")

	return cmd
}
