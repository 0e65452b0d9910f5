package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Handler processes one task.
type Handler interface {
	Handle(ctx context.Context, t *Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *Task) error

func (f HandlerFunc) Handle(ctx context.Context, t *Task) error { return f(ctx, t) }

// ExhaustionHandler is implemented by handlers that take over a task once
// the runner gives up retrying it.
type ExhaustionHandler interface {
	Exhausted(ctx context.Context, t *Task, lastErr error) error
}

// RetryPolicy is the task-level retry tier.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// RunnerConfig tunes polling and lease recovery.
type RunnerConfig struct {
	Retry           RetryPolicy
	PollInterval    time.Duration
	RecoverInterval time.Duration
}

type registration struct {
	queue       string
	handler     Handler
	concurrency int
}

// Runner pulls tasks from a broker and runs them on a bounded pool of
// goroutines per queue.
type Runner struct {
	broker Broker
	cfg    RunnerConfig
	regs   []registration
	wg     sync.WaitGroup
}

// NewRunner applies defaults: 3 attempts, 2s base backoff capped at 1m,
// 200ms poll, 1m lease recovery.
func NewRunner(b Broker, cfg RunnerConfig) *Runner {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = 2 * time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = time.Minute
	}
	return &Runner{broker: b, cfg: cfg}
}

// Register binds a handler to queue with the given number of workers.
func (r *Runner) Register(queue string, h Handler, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	r.regs = append(r.regs, registration{queue: queue, handler: h, concurrency: concurrency})
}

// Run blocks until ctx is cancelled, then waits for in-flight tasks.
func (r *Runner) Run(ctx context.Context) {
	for _, reg := range r.regs {
		logger.Info("[QueueRunner] starting workers", "queue", reg.queue, "concurrency", reg.concurrency)
		for i := 0; i < reg.concurrency; i++ {
			r.wg.Add(1)
			go r.work(ctx, reg)
		}
		r.wg.Add(1)
		go r.recoverLoop(ctx, reg.queue)
	}
	<-ctx.Done()
	r.wg.Wait()
	logger.Info("[QueueRunner] stopped")
}

func (r *Runner) work(ctx context.Context, reg registration) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		ok, err := r.ProcessOne(ctx, reg.queue, reg.handler)
		if err != nil && ctx.Err() == nil {
			logger.Error("[QueueRunner] broker error", "queue", reg.queue, "error", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}

func (r *Runner) recoverLoop(ctx context.Context, queue string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.broker.Recover(ctx, queue)
			if err != nil {
				logger.Error("[QueueRunner] lease recovery failed", "queue", queue, "error", err)
			} else if n > 0 {
				logger.Warn("[QueueRunner] requeued expired leases", "queue", queue, "count", n)
			}
		}
	}
}

// ProcessOne dequeues and settles at most one task. It reports whether a
// task was found.
func (r *Runner) ProcessOne(ctx context.Context, queue string, h Handler) (bool, error) {
	t, err := r.broker.Dequeue(ctx, queue)
	if err != nil || t == nil {
		return false, err
	}
	// settle on a context that survives shutdown so a finished task is acked
	settleCtx := context.WithoutCancel(ctx)
	herr := r.invoke(ctx, h, t)
	return true, r.settle(settleCtx, h, t, herr)
}

func (r *Runner) invoke(ctx context.Context, h Handler, t *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("[QueueRunner] handler panic", "queue", t.Queue, "task_id", t.ID, "panic", p)
			err = errors.New("handler panic")
		}
	}()
	return h.Handle(ctx, t)
}

func (r *Runner) settle(ctx context.Context, h Handler, t *Task, herr error) error {
	if herr == nil {
		return r.broker.Ack(ctx, t)
	}
	if d, ok := AsDefer(herr); ok {
		return r.broker.Requeue(ctx, t, d.Delay)
	}
	var drop *DropError
	if errors.As(herr, &drop) {
		logger.Debug("[QueueRunner] task dropped", "queue", t.Queue, "task_id", t.ID, "reason", drop.Reason)
		return r.broker.Ack(ctx, t)
	}

	t.LastError = herr.Error()
	if t.Attempt+1 < r.cfg.Retry.MaxAttempts {
		delay := Backoff(r.cfg.Retry.Base, t.Attempt, r.cfg.Retry.Max)
		t.Attempt++
		logger.Warn("[QueueRunner] task failed, retrying",
			"queue", t.Queue, "task_id", t.ID, "attempt", t.Attempt, "delay", delay.String(), "error", herr)
		return r.broker.Requeue(ctx, t, delay)
	}

	logger.Error("[QueueRunner] task exhausted", "queue", t.Queue, "task_id", t.ID, "attempts", t.Attempt+1, "error", herr)
	if eh, ok := h.(ExhaustionHandler); ok {
		if err := eh.Exhausted(ctx, t, herr); err != nil {
			// keep the task around; lease recovery will offer it again
			logger.Error("[QueueRunner] exhaustion hook failed", "queue", t.Queue, "task_id", t.ID, "error", err)
			return err
		}
	}
	return r.broker.Ack(ctx, t)
}
