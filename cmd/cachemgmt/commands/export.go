package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cachegrid/cachemgmt/pkg/schema"
)

func newExportCommand() *cobra.Command {
	var (
		modelVersion string
		format       string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the committed configuration tree",
		Long: `Print the committed configuration tree as a snapshot document.

With --model-version the tree is transformed to an older model first, for
example to hand it to a member that still runs that model. Attributes the
older model cannot express are dropped and logged.`,
		Example: `  # Export as YAML
  cachemgmt export --format yaml

  # Export for a 1.3 member
  cachemgmt export --model-version 1.3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unsupported format %q: want json or yaml", format)
			}
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				snap := rt.sub.Store.Snapshot()
				if modelVersion != "" {
					target, err := schema.ParseVersion(modelVersion)
					if err != nil {
						return err
					}
					if snap, err = rt.sub.Transforms.Transform(snap, snap.Version, target); err != nil {
						return err
					}
				}

				if format == "json" {
					return printJSON(out(cmd), snap)
				}
				data, err := yaml.Marshal(snap)
				if err != nil {
					return fmt.Errorf("failed to encode snapshot: %w", err)
				}
				_, err = out(cmd).Write(data)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&modelVersion, "model-version", "", "model version to export")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml)")

	return cmd
}
