package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the admission policies",
		Long: `List the built-in admission policies and those loaded from the
policy directory of the server config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				policies := rt.policies.ListPolicies()
				if jsonOutput {
					return printJSON(out(cmd), policies)
				}
				tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
				for _, p := range policies {
					source := p.Source
					if p.Builtin {
						source = "builtin"
					}
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(newPoliciesCheckCommand())

	return cmd
}

func newPoliciesCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <operation> <address> [key=value...]",
		Short: "Evaluate the policies against an operation without executing it",
		Example: `  cachemgmt policies check remove /cache-container=web/local-cache=users`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := buildOperation(args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				eval, err := rt.policies.Evaluate(ctx, op)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out(cmd), eval)
				}
				for _, v := range eval.Violations {
					fmt.Fprintf(out(cmd), "%s\t%s: %s\n", v.Severity, v.Policy, v.Message)
				}
				for _, v := range eval.Warnings {
					fmt.Fprintf(out(cmd), "%s\t%s: %s\n", v.Severity, v.Policy, v.Message)
				}
				if !eval.Allowed {
					return fmt.Errorf("%s %s would be denied", op.Type, op.Address)
				}
				fmt.Fprintf(out(cmd), "allowed by %d policies\n", len(eval.EvaluatedPolicies))
				return nil
			})
		},
	}

	return cmd
}
