package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/service"
)

// MonitorWorker keeps saga gauges current. It is read-only against the store.
type MonitorWorker struct {
	store    service.QueryStore
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitorWorker constructs a worker with a default one-minute interval.
func NewMonitorWorker(store service.QueryStore) *MonitorWorker {
	return &MonitorWorker{
		store:    store,
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *MonitorWorker) WithInterval(interval time.Duration) *MonitorWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and refreshes gauges at the configured interval.
func (w *MonitorWorker) Start(ctx context.Context) {
	zap.L().Info("monitor worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitor worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("monitor worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *MonitorWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *MonitorWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *MonitorWorker) runOnce(ctx context.Context) {
	open, err := w.store.Queries().CountOpenBatches(ctx)
	if err != nil {
		observability.IncrementWorkerRun("monitor", "failed")
		zap.L().Error("monitor run failed", zap.Error(err))
		return
	}
	observability.SetOpenBatches(open)
	observability.IncrementWorkerRun("monitor", "success")
}
