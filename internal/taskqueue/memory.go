package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for tests and local runs. A popped task
// leaves the queue immediately; nothing in-process can crash between pop and
// delivery, so there is no lease to expire.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []memoryEntry
}

type memoryEntry struct {
	task Task
	due  time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(ctx context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, memoryEntry{task: task, due: time.Now().Add(delay)})
	sort.Slice(q.entries, func(i, j int) bool { return q.entries[i].due.Before(q.entries[j].due) })
	return nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Task
	var rest []memoryEntry
	for _, e := range q.entries {
		if len(due) < limit && !e.due.After(now) {
			due = append(due, e.task)
			continue
		}
		rest = append(rest, e)
	}
	q.entries = rest
	return due, nil
}

// Retire removes any queued copy of the task. Popped entries are already
// gone, so retiring one is a no-op.
func (q *MemoryQueue) Retire(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.task.ID != task.ID {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return nil
}

// Len reports how many tasks are waiting, due or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
