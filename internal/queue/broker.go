package queue

import (
	"context"
	"time"
)

// Broker stores tasks. Dequeue leases a task until Ack or Requeue; a leased
// task that is never settled becomes visible again through Recover.
type Broker interface {
	// Enqueue makes t visible on t.Queue after delay.
	Enqueue(ctx context.Context, t *Task, delay time.Duration) error
	// Dequeue returns the next ready task or nil when none is ready.
	Dequeue(ctx context.Context, queue string) (*Task, error)
	// Ack settles a leased task.
	Ack(ctx context.Context, t *Task) error
	// Requeue settles a leased task and schedules its new state after delay.
	Requeue(ctx context.Context, t *Task, delay time.Duration) error
	// Recover returns expired leases of queue to the ready state.
	Recover(ctx context.Context, queue string) (int, error)
	Close() error
}

// Enqueuer is the producer side used by services.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *Task, delay time.Duration) error
}

// Submit builds a task for payload and enqueues it.
func Submit(ctx context.Context, e Enqueuer, queue string, payload any, delay time.Duration) (*Task, error) {
	t, err := NewTask(queue, payload)
	if err != nil {
		return nil, err
	}
	if err := e.Enqueue(ctx, t, delay); err != nil {
		return nil, err
	}
	return t, nil
}
