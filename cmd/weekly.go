package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/model"
)

var (
	weeklyOrgID  int64
	weeklyKind   string
	backfillOrg  int64
	backfillKind string
	backfillFrom string
	backfillTo   string
)

const dateLayout = "2006-01-02"

var weeklyCmd = &cobra.Command{
	Use:   "weekly",
	Short: "Build the current week's reports",
	Long:  "Analyzes this week's transcripts into error, insight and factor reports. Without --org every organization with a completion key is processed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := selectKinds(weeklyKind)
		if err != nil {
			return err
		}
		return withEnv(cmd, "weekly", func(ctx context.Context, env *appEnv) error {
			if weeklyOrgID == 0 {
				return env.Weekly.RunAll(ctx)
			}
			for _, kind := range kinds {
				res, err := env.Weekly.Run(ctx, weeklyOrgID, kind)
				if err != nil {
					return err
				}
				zap.L().Info("weekly report updated",
					zap.Int64("organization_id", weeklyOrgID),
					zap.String("kind", string(kind)),
					zap.Int("calls", res.Calls),
					zap.Int("batches", res.Batches),
					zap.Int("skipped", res.Skipped),
					zap.Int("findings", res.Findings),
				)
			}
			return nil
		})
	},
}

var weeklyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Retire last week's reports and open this week's",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, "weekly", func(ctx context.Context, env *appEnv) error {
			n, err := env.Weekly.Rotate(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("weekly reports rotated", zap.Int("reports", n))
			return nil
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Build reports for past weeks of one organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillOrg <= 0 {
			return eris.New("--org is required")
		}
		kinds, err := selectKinds(backfillKind)
		if err != nil {
			return err
		}
		from, err := time.Parse(dateLayout, backfillFrom)
		if err != nil {
			return eris.Wrap(err, "parse --from")
		}
		to := time.Now()
		if backfillTo != "" {
			if to, err = time.Parse(dateLayout, backfillTo); err != nil {
				return eris.Wrap(err, "parse --to")
			}
		}
		return withEnv(cmd, "weekly", func(ctx context.Context, env *appEnv) error {
			for _, kind := range kinds {
				if err := env.Weekly.Backfill(ctx, backfillOrg, kind, from, to); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

// selectKinds returns every report kind for an empty name.
func selectKinds(name string) ([]model.ReportKind, error) {
	if name == "" {
		return model.ReportKinds, nil
	}
	kind := model.ReportKind(name)
	if !kind.Valid() {
		return nil, eris.Errorf("unknown report kind %q (want error, insight or factor)", name)
	}
	return []model.ReportKind{kind}, nil
}

func init() {
	weeklyCmd.Flags().Int64Var(&weeklyOrgID, "org", 0, "organization id (default: all)")
	weeklyCmd.Flags().StringVar(&weeklyKind, "kind", "", "report kind: error, insight or factor (default: all)")

	backfillCmd.Flags().Int64Var(&backfillOrg, "org", 0, "organization id")
	backfillCmd.Flags().StringVar(&backfillKind, "kind", "", "report kind: error, insight or factor (default: all)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "first day, YYYY-MM-DD")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "last day, YYYY-MM-DD (default: today)")
	_ = backfillCmd.MarkFlagRequired("from")

	weeklyCmd.AddCommand(weeklyRotateCmd)
	rootCmd.AddCommand(weeklyCmd, backfillCmd)
}
