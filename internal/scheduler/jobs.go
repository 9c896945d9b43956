package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/config"
	"github.com/sells-group/callscore/internal/pipeline"
	"github.com/sells-group/callscore/internal/queue"
	"github.com/sells-group/callscore/internal/weekly"
)

// Entry names.
const (
	EntrySweep  = "sweep"
	EntryDeals  = "deals"
	EntryWeekly = "weekly"
	EntryRotate = "rotate"
)

// WeeklyEnqueuer fans weekly analysis out into per-organization jobs.
type WeeklyEnqueuer interface {
	Enqueue(ctx context.Context, q queue.Submitter) (int, error)
}

// Install registers the periodic jobs named in cfg.
func (s *Scheduler) Install(cfg config.SchedulerConfig, q queue.Submitter, w WeeklyEnqueuer) error {
	if err := s.Add(EntrySweep, cfg.Sweep, Submit(q, pipeline.JobSweepTranscriptions)); err != nil {
		return err
	}
	if err := s.Add(EntryDeals, cfg.Deals, Submit(q, pipeline.JobRefreshDeals)); err != nil {
		return err
	}
	if err := s.Add(EntryWeekly, cfg.Weekly, func(ctx context.Context) error {
		n, err := w.Enqueue(ctx, q)
		if err != nil {
			return err
		}
		zap.L().Info("scheduler: weekly analysis enqueued", zap.Int("jobs", n))
		return nil
	}); err != nil {
		return err
	}
	return s.Add(EntryRotate, cfg.Rotate, Submit(q, weekly.JobRotate))
}
