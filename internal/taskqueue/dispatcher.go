package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExpireFunc is invoked when a task ages past the delivery window without a
// successful delivery.
type ExpireFunc func(ctx context.Context, task Task)

// Dispatcher delivers due tasks to their stage endpoints. A 2xx reply retires
// the task, a 4xx reply drops it, and anything else schedules a redelivery
// until the task ages out. Anything short of an explicit retire or reschedule
// leaves the task under its queue lease, so it comes back after a crash.
type Dispatcher struct {
	queue    Queue
	baseURL  string
	client   *http.Client
	interval time.Duration
	backoff  time.Duration
	maxAge   time.Duration
	onExpire ExpireFunc

	batchSize int
}

func NewDispatcher(queue Queue, baseURL string, interval, backoff, maxAge time.Duration, onExpire ExpireFunc) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 60 * time.Second},
		interval:  interval,
		backoff:   backoff,
		maxAge:    maxAge,
		onExpire:  onExpire,
		batchSize: 32,
	}
}

// Run loops until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	zap.L().Info("task dispatcher starting", zap.Duration("interval", d.interval))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("task dispatcher stopping")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick delivers one batch of due tasks.
func (d *Dispatcher) Tick(ctx context.Context) {
	tasks, err := d.queue.PopDue(ctx, time.Now(), d.batchSize)
	if err != nil {
		zap.L().Error("failed to pop due tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	task.Attempts++

	body, _ := json.Marshal(map[string]string{"token": task.Token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+task.Path, bytes.NewReader(body))
	if err != nil {
		zap.L().Error("failed to build task request", zap.Error(err), zap.String("path", task.Path))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.redeliver(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Done or duplicate; either way the task is retired.
		d.retire(ctx, task)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		zap.L().Warn("task rejected, dropping",
			zap.String("task_id", task.ID),
			zap.String("path", task.Path),
			zap.Int("status", resp.StatusCode))
		d.retire(ctx, task)
	default:
		d.redeliver(ctx, task, resp.Status)
	}
}

func (d *Dispatcher) retire(ctx context.Context, task Task) {
	if err := d.queue.Retire(ctx, task); err != nil {
		zap.L().Error("failed to retire task", zap.Error(err), zap.String("task_id", task.ID))
	}
}

func (d *Dispatcher) redeliver(ctx context.Context, task Task, reason string) {
	if time.Since(task.EnqueuedAt) > d.maxAge {
		zap.L().Error("task exceeded max age, expiring",
			zap.String("task_id", task.ID),
			zap.String("path", task.Path),
			zap.Int("attempts", task.Attempts))
		if d.onExpire != nil {
			d.onExpire(ctx, task)
		}
		d.retire(ctx, task)
		return
	}
	zap.L().Warn("task delivery failed, scheduling redelivery",
		zap.String("task_id", task.ID),
		zap.String("path", task.Path),
		zap.Int("attempts", task.Attempts),
		zap.String("reason", reason))
	if err := d.queue.Push(ctx, task, d.backoff); err != nil {
		zap.L().Error("failed to requeue task", zap.Error(err), zap.String("task_id", task.ID))
	}
}
