package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Handler processes one job. Errors are logged and reported to the
// observer; they never cause redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Observer receives the outcome of every dispatched job.
type Observer func(name string, took time.Duration, err error)

// ErrNoHandler is returned by Dispatch for an unregistered job name.
var ErrNoHandler = eris.New("queue: no handler registered")

// WorkerPool runs Concurrency workers pulling from a Receiver and routing
// each message to the handler registered for its name.
type WorkerPool struct {
	handlers map[string]Handler
	observer Observer
	workers  int

	mu sync.RWMutex
	wg sync.WaitGroup
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	return &WorkerPool{handlers: make(map[string]Handler), workers: workers}
}

// Register binds a handler to a job name, replacing any previous one.
func (p *WorkerPool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
	zap.L().Debug("queue: handler registered", zap.String("job", name))
}

// Observe installs the job outcome callback.
func (p *WorkerPool) Observe(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// Names returns the registered job names.
func (p *WorkerPool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.handlers))
	for n := range p.handlers {
		names = append(names, n)
	}
	return names
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished.
func (p *WorkerPool) Run(ctx context.Context, r Receiver) {
	zap.L().Info("queue: starting workers", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, r)
	}
	p.wg.Wait()
	zap.L().Info("queue: workers stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int, r Receiver) {
	defer p.wg.Done()
	log := zap.L().With(zap.Int("worker_id", id))

	for {
		msg, ack, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || eris.Is(err, ErrClosed) {
				return
			}
			log.Error("queue: receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// In-flight jobs finish even when shutdown has started.
		_ = p.Dispatch(context.WithoutCancel(ctx), msg)
		if err := ack(); err != nil {
			log.Error("queue: ack failed", zap.String("job", msg.Name), zap.String("id", msg.ID), zap.Error(err))
		}
	}
}

// Dispatch runs the handler for msg, converting a panic into an error.
func (p *WorkerPool) Dispatch(ctx context.Context, msg *Message) (err error) {
	p.mu.RLock()
	h, ok := p.handlers[msg.Name]
	observer := p.observer
	p.mu.RUnlock()

	log := zap.L().With(zap.String("job", msg.Name), zap.String("id", msg.ID))
	if !ok {
		log.Error("queue: dropping job without handler")
		return eris.Wrapf(ErrNoHandler, "%s", msg.Name)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("queue: %s panicked: %v", msg.Name, r))
		}
		took := time.Since(start)
		if err != nil {
			log.Error("queue: job failed", zap.Duration("took", took), zap.Error(err))
		} else {
			log.Debug("queue: job done", zap.Duration("took", took))
		}
		if observer != nil {
			observer(msg.Name, took, err)
		}
	}()
	return h(ctx, msg)
}

// Drain synchronously dispatches every visible message in b until none is
// left. Delayed messages stay queued. It returns the number dispatched.
func (p *WorkerPool) Drain(ctx context.Context, b *MemoryBroker) int {
	n := 0
	for ctx.Err() == nil {
		msg := b.TryReceive()
		if msg == nil {
			break
		}
		_ = p.Dispatch(ctx, msg)
		n++
	}
	return n
}
