package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/service"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// SchedulerWorker issues signed tick tokens for one batcher stage at a fixed
// interval. The tick travels through the task queue like any other stage
// message, so a missed delivery is redelivered rather than lost.
type SchedulerWorker struct {
	name     string
	path     string
	queue    service.TaskQueue
	key      []byte
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMicroBatchScheduler ticks the micro-batch conversion stage.
func NewMicroBatchScheduler(queue service.TaskQueue, keys envelope.Keyring, interval time.Duration) *SchedulerWorker {
	return newScheduler("microbatch_scheduler", service.PathMicroBatch, queue, keys.Scheduler, interval)
}

// NewBatchScheduler ticks the payout batcher stage.
func NewBatchScheduler(queue service.TaskQueue, keys envelope.Keyring, interval time.Duration) *SchedulerWorker {
	return newScheduler("batch_scheduler", service.PathBatch, queue, keys.Scheduler, interval)
}

func newScheduler(name, path string, queue service.TaskQueue, key []byte, interval time.Duration) *SchedulerWorker {
	return &SchedulerWorker{
		name:     name,
		path:     path,
		queue:    queue,
		key:      key,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks and issues ticks at the configured interval.
func (w *SchedulerWorker) Start(ctx context.Context) {
	zap.L().Info("scheduler worker starting",
		zap.String("worker", w.name),
		zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("scheduler worker context canceled", zap.String("worker", w.name))
			return
		case <-w.stopCh:
			zap.L().Info("scheduler worker stop signal received", zap.String("worker", w.name))
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *SchedulerWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *SchedulerWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *SchedulerWorker) tick(ctx context.Context) {
	token, err := envelope.Seal(service.SchedulerTick{ScheduledAt: time.Now().Unix()}, w.key)
	if err != nil {
		observability.IncrementWorkerRun(w.name, "failed")
		zap.L().Error("scheduler tick seal failed", zap.String("worker", w.name), zap.Error(err))
		return
	}
	if err := w.queue.Push(ctx, taskqueue.New(w.path, token), 0); err != nil {
		observability.IncrementWorkerRun(w.name, "failed")
		zap.L().Error("scheduler tick enqueue failed", zap.String("worker", w.name), zap.Error(err))
		return
	}
	observability.IncrementWorkerRun(w.name, "success")
}
