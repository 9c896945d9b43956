package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "Refresh the CRM status of every known deal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, "worker", func(ctx context.Context, env *appEnv) error {
			return env.Pipeline.RefreshDeals(ctx)
		})
	},
}

var managersCmd = &cobra.Command{
	Use:   "managers",
	Short: "Manage sales managers",
}

var managersSyncCmd = &cobra.Command{
	Use:   "sync <organization-id>",
	Short: "Import active amoCRM users of an organization as managers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withEnv(cmd, "worker", func(ctx context.Context, env *appEnv) error {
			n, err := env.Pipeline.SyncManagers(ctx, orgID)
			if err != nil {
				return err
			}
			zap.L().Info("managers synced", zap.Int64("organization_id", orgID), zap.Int("managers", n))
			return nil
		})
	},
}

func init() {
	managersCmd.AddCommand(managersSyncCmd)
	rootCmd.AddCommand(dealsCmd, managersCmd)
}
