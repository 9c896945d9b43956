package weekly

import (
	"context"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/queue"
)

// Job names.
const (
	JobAnalyze = "weekly.analyze"
	JobRotate  = "weekly.rotate"
)

// AnalyzeJob asks for one organization's active report of one kind.
type AnalyzeJob struct {
	OrganizationID int64            `json:"organization_id"`
	Kind           model.ReportKind `json:"kind"`
}

// Register binds the weekly jobs to the pool.
func (e *Engine) Register(pool *queue.WorkerPool) {
	pool.Register(JobAnalyze, func(ctx context.Context, msg *queue.Message) error {
		var job AnalyzeJob
		if err := msg.Decode(&job); err != nil {
			return err
		}
		_, err := e.Run(ctx, job.OrganizationID, job.Kind)
		return err
	})
	pool.Register(JobRotate, func(ctx context.Context, _ *queue.Message) error {
		_, err := e.Rotate(ctx)
		return err
	})
}

// Enqueue submits an analyze job for every organization with a completion
// key and every kind. It returns the number of jobs submitted.
func (e *Engine) Enqueue(ctx context.Context, q queue.Submitter) (int, error) {
	orgs, err := e.store.ListOrganizations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, org := range orgs {
		if org.CompletionKey == "" {
			continue
		}
		for _, kind := range model.ReportKinds {
			if err := q.Submit(ctx, JobAnalyze, AnalyzeJob{OrganizationID: org.ID, Kind: kind}); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
