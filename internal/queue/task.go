// Package queue is the work-queue abstraction the dispatch engine runs on.
//
// A Task is a small JSON payload addressed to a named queue. Handlers never
// block waiting for time to pass: anything that must happen later is
// re-submitted with a delay, so a worker restart loses no pending work.
// The batch dispatcher uses this to run as a trampoline, each batch
// enqueueing its own continuation.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names used by the engine.
const (
	QueueDispatch = "campaign.dispatch"
	QueueDelivery = "campaign.delivery"
	QueueFinalize = "campaign.finalize"
)

// Task is one unit of queued work.
type Task struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask marshals payload into a task for queue.
func NewTask(queue string, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	return &Task{ID: uuid.NewString(), Queue: queue, Payload: raw, EnqueuedAt: time.Now().UTC()}, nil
}

// Decode unmarshals the payload into dst.
func (t *Task) Decode(dst any) error {
	if err := json.Unmarshal(t.Payload, dst); err != nil {
		return fmt.Errorf("decode %s task %s: %w", t.Queue, t.ID, err)
	}
	return nil
}

// DeferError asks the runner to requeue the task after Delay without
// consuming a retry attempt.
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.Delay, e.Reason)
}

// Defer returns a DeferError.
func Defer(d time.Duration, reason string) error {
	return &DeferError{Delay: d, Reason: reason}
}

// RetryError marks a failure as retryable. Unmarked errors are treated the
// same way; the wrapper exists so handlers can say so explicitly.
type RetryError struct{ Err error }

func (e *RetryError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err as retryable.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &RetryError{Err: err}
}

// DropError acknowledges the task without retrying it.
type DropError struct{ Reason string }

func (e *DropError) Error() string { return "dropped: " + e.Reason }

// Drop returns a DropError.
func Drop(reason string) error { return &DropError{Reason: reason} }

// AsDefer reports whether err asks for a deferral.
func AsDefer(err error) (*DeferError, bool) {
	var d *DeferError
	ok := errors.As(err, &d)
	return d, ok
}

// Backoff returns min(base*2^attempt, max).
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
