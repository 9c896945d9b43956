// Package scheduler triggers the periodic jobs on cron specs. Every entry
// only submits work to the queue; the workers do the rest.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/config"
	"github.com/sells-group/callscore/internal/queue"
)

// Task is the body of a scheduled entry.
type Task func(ctx context.Context) error

// Submit returns a task that submits one job with an empty payload.
func Submit(q queue.Submitter, job string) Task {
	return func(ctx context.Context) error {
		return q.Submit(ctx, job, struct{}{})
	}
}

// Entry describes a registered task.
type Entry struct {
	Name string
	Spec string
	Next time.Time
	id   cron.EntryID
}

// Scheduler wraps a cron runner in the configured timezone.
type Scheduler struct {
	cron    *cron.Cron
	loc     *time.Location
	timeout time.Duration
	entries map[string]Entry
	tasks   map[string]Task
}

// New builds a scheduler for the timezone named in cfg. An empty timezone
// means UTC.
func New(cfg config.SchedulerConfig) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: load timezone %q", cfg.Timezone)
		}
	}
	logger := zapLogger{log: zap.L().Named("cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		loc:     loc,
		timeout: 5 * time.Minute,
		entries: make(map[string]Entry),
		tasks:   make(map[string]Task),
	}, nil
}

// Location returns the timezone specs are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Add registers task under name. An empty spec leaves the entry disabled.
func (s *Scheduler) Add(name, spec string, task Task) error {
	if spec == "" {
		zap.L().Info("scheduler: entry disabled", zap.String("entry", name))
		return nil
	}
	if _, ok := s.tasks[name]; ok {
		return eris.Errorf("scheduler: duplicate entry %q", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name) })
	if err != nil {
		return eris.Wrapf(err, "scheduler: entry %s: parse %q", name, spec)
	}
	s.entries[name] = Entry{Name: name, Spec: spec, id: id}
	s.tasks[name] = task
	return nil
}

// RunNow executes a registered task synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	task, ok := s.tasks[name]
	if !ok {
		return eris.Errorf("scheduler: unknown entry %q", name)
	}
	return task(ctx)
}

func (s *Scheduler) run(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.RunNow(ctx, name); err != nil {
		zap.L().Error("scheduler: entry failed", zap.String("entry", name), zap.Error(err))
		return
	}
	zap.L().Debug("scheduler: entry fired",
		zap.String("entry", name),
		zap.Duration("took", time.Since(start)),
	)
}

// Entries lists the registered entries by name with their next fire time.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Next = s.cron.Entry(e.id).Next
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.Entries() {
		zap.L().Info("scheduler: entry scheduled",
			zap.String("entry", e.Name),
			zap.String("spec", e.Spec),
			zap.Time("next", e.Next),
		)
	}
}

// Stop halts the cron loop and waits for running entries, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// zapLogger adapts zap to cron.Logger.
type zapLogger struct {
	log *zap.Logger
}

func (l zapLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
