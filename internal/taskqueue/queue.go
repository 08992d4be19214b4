// Package taskqueue moves saga stages forward through delayed, at-least-once
// task delivery. Tasks carry an opaque signed token and the path of the stage
// endpoint that consumes it.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task is one pending stage invocation.
type Task struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Token      string    `json:"token"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// Queue stores tasks until they are due.
type Queue interface {
	// Push schedules a task for delivery after delay. Pushing an id that is
	// already queued reschedules it.
	Push(ctx context.Context, task Task, delay time.Duration) error
	// PopDue claims up to limit tasks whose delay has elapsed. A claimed
	// task stays in the queue under a delivery lease: unless it is retired
	// or rescheduled before the lease runs out, it becomes due again.
	PopDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// Retire removes a claimed task for good.
	Retire(ctx context.Context, task Task) error
}

// New builds a task for the given stage path and token.
func New(path, token string) Task {
	return Task{
		ID:         uuid.NewString(),
		Path:       path,
		Token:      token,
		EnqueuedAt: time.Now().UTC(),
	}
}
