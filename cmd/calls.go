package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/queue"
)

var reanalyzePromptID int64

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Manual operations on a single call",
}

var retranscribeCmd = &cobra.Command{
	Use:   "retranscribe <call-id>",
	Short: "Submit the call recording for transcription again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withEnv(cmd, "worker", func(ctx context.Context, env *appEnv) error {
			if err := env.Pipeline.Retranscribe(ctx, callID); err != nil {
				return err
			}
			zap.L().Info("retranscription queued", zap.Int64("call_id", callID))
			return settle(ctx, env)
		})
	},
}

var reanalyzeCmd = &cobra.Command{
	Use:   "reanalyze <call-id>",
	Short: "Analyze the stored transcript again",
	Long:  "Re-runs analysis on the stored transcript without changing the call status or writing to the CRM. --prompt selects a specific prompt of the call's organization.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callID, err := parseID(args[0])
		if err != nil {
			return err
		}
		var promptID *int64
		if reanalyzePromptID > 0 {
			promptID = &reanalyzePromptID
		}
		return withEnv(cmd, "worker", func(ctx context.Context, env *appEnv) error {
			if err := env.Pipeline.Reanalyze(ctx, callID, promptID); err != nil {
				return err
			}
			zap.L().Info("reanalysis queued", zap.Int64("call_id", callID))
			return settle(ctx, env)
		})
	},
}

var recalcCriteriaCmd = &cobra.Command{
	Use:   "recalc-criteria",
	Short: "Re-extract criteria scores from every stored analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, "worker", func(ctx context.Context, env *appEnv) error {
			n, err := env.Pipeline.RecalculateCriteria(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("criteria recalculated", zap.Int("analyses", n))
			return nil
		})
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid id %q", s)
	}
	return id, nil
}

// withEnv runs fn with an environment initialized for mode and a
// signal-aware context.
func withEnv(cmd *cobra.Command, mode string, fn func(ctx context.Context, env *appEnv) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initEnv(ctx, mode)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// settle processes in this process the jobs a command queued on the memory
// backend, including the delayed ones, until the queue is empty. Other
// backends leave the jobs to the workers.
func settle(ctx context.Context, env *appEnv) error {
	b, ok := env.Receiver.(*queue.MemoryBroker)
	if !ok {
		return nil
	}
	pool := newPool(env)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		pool.Drain(ctx, b)
		if b.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func init() {
	reanalyzeCmd.Flags().Int64Var(&reanalyzePromptID, "prompt", 0, "prompt id (default: latest prompt of the organization)")
	callCmd.AddCommand(retranscribeCmd, reanalyzeCmd)
	rootCmd.AddCommand(callCmd, recalcCriteriaCmd)
}
