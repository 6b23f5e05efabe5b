package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the configuration running until interrupted",
		Long: `Boot the stored configuration, start its caches and keep them running
until the process is interrupted. Metrics are served when enabled in the
telemetry config, and the policy directory is reloaded on change when
policy.watch is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.store.HealthCheck(ctx); err != nil {
					return fmt.Errorf("state store unavailable: %w", err)
				}
				rt.logger.Info().
					Uint64("generation", rt.sub.Store.Generation()).
					Int("services", len(rt.container.Services())).
					Msg("Serving configuration")

				if err := rt.tel.Metrics.Serve(ctx, rt.logger); err != nil {
					return err
				}
				<-ctx.Done()
				rt.logger.Info().Msg("Shutting down")
				return nil
			})
		},
	}

	return cmd
}
