package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// Temporal registration names.
const (
	JobWorkflowName      = "callscore.job"
	DispatchActivityName = "callscore.dispatch"
)

// TemporalConfig configures the Temporal backend.
type TemporalConfig struct {
	HostPort   string
	Namespace  string
	TaskQueue  string
	JobTimeout time.Duration
}

// workflowStarter is the subset of client.Client used for submission.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalBroker submits each job as a one-activity workflow; the delay
// becomes the workflow start delay. Delivery happens inside the Temporal
// worker, so it has no Receive.
type TemporalBroker struct {
	client    client.Client
	starter   workflowStarter
	taskQueue string
	timeout   time.Duration
	now       func() time.Time
}

// NewTemporalBroker dials the Temporal frontend.
func NewTemporalBroker(cfg TemporalConfig) (*TemporalBroker, error) {
	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		return nil, eris.Wrap(err, "queue: dial temporal")
	}
	b := newTemporalBroker(c, cfg)
	b.client = c
	return b, nil
}

func newTemporalBroker(starter workflowStarter, cfg TemporalConfig) *TemporalBroker {
	tq := cfg.TaskQueue
	if tq == "" {
		tq = "callscore"
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &TemporalBroker{starter: starter, taskQueue: tq, timeout: timeout, now: time.Now}
}

// Submit starts the job workflow.
func (b *TemporalBroker) Submit(ctx context.Context, name string, payload any, opts ...Option) error {
	msg, err := newMessage(name, payload, b.now(), opts)
	if err != nil {
		return err
	}
	_, err = b.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:         name + "-" + msg.ID,
		TaskQueue:  b.taskQueue,
		StartDelay: msg.VisibleAt.Sub(msg.EnqueuedAt),
	}, JobWorkflowName, *msg, b.timeout)
	return eris.Wrapf(err, "queue: start %s workflow", name)
}

// Close closes the Temporal client.
func (b *TemporalBroker) Close() error {
	if b.client != nil {
		b.client.Close()
	}
	return nil
}

// JobWorkflow runs the dispatch activity exactly once. Job level retries are
// the pipeline's business.
func JobWorkflow(ctx workflow.Context, msg Message, timeout time.Duration) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return workflow.ExecuteActivity(ctx, DispatchActivityName, msg).Get(ctx, nil)
}

// RunTemporalWorker serves the job workflow and routes activities into the
// pool until ctx is cancelled.
func RunTemporalWorker(ctx context.Context, b *TemporalBroker, pool *WorkerPool) error {
	if b.client == nil {
		return eris.New("queue: temporal worker needs a dialed client")
	}
	w := worker.New(b.client, b.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: pool.workers,
	})
	RegisterTemporal(w, pool)

	if err := w.Start(); err != nil {
		return eris.Wrap(err, "queue: start temporal worker")
	}
	zap.L().Info("queue: temporal worker started", zap.String("task_queue", b.taskQueue))
	<-ctx.Done()
	w.Stop()
	return nil
}

// registry is implemented by worker.Worker and the test environment.
type registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegisterTemporal registers the job workflow and the dispatch activity.
func RegisterTemporal(r registry, pool *WorkerPool) {
	r.RegisterWorkflowWithOptions(JobWorkflow, workflow.RegisterOptions{Name: JobWorkflowName})
	r.RegisterActivityWithOptions(func(ctx context.Context, msg Message) error {
		// Handler errors are already logged; the workflow still completes.
		_ = pool.Dispatch(ctx, &msg)
		return nil
	}, activity.RegisterOptions{Name: DispatchActivityName})
}
