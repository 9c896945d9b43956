package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/callscore/internal/config"
	"github.com/sells-group/callscore/internal/monitoring"
	"github.com/sells-group/callscore/internal/scheduler"
)

var workerNoSchedule bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers, the scheduler and the alert checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		return runBackground(ctx, env)
	},
}

// runBackground runs the worker pool, the cron scheduler and the alert
// checker until ctx is cancelled.
func runBackground(ctx context.Context, env *appEnv) error {
	pool := newPool(env)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled && !workerNoSchedule {
		s, err := scheduler.New(cfg.Scheduler)
		if err != nil {
			return err
		}
		if err := s.Install(cfg.Scheduler, env.Queue, env.Weekly); err != nil {
			return err
		}
		sched = s
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runWorkers(gctx, env, pool)
	})
	if cfg.Monitoring.WebhookURL != "" {
		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Breakers),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
	} else {
		zap.L().Debug("monitoring webhook not set, alert checker disabled")
	}
	if sched != nil {
		sched.Start()
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return sched.Stop(stopCtx)
		})
	}

	zap.L().Info("worker started",
		zap.String("host", config.Hostname()),
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.Bool("scheduler", sched != nil),
	)
	return g.Wait()
}

func init() {
	workerCmd.Flags().BoolVar(&workerNoSchedule, "no-schedule", false, "do not run periodic jobs in this process")
	rootCmd.AddCommand(workerCmd)
}
