package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	paymentCounter        *prometheus.CounterVec
	stageCounter          *prometheus.CounterVec
	duplicateCounter      *prometheus.CounterVec
	retryCounter          *prometheus.CounterVec
	failedTxCounter       *prometheus.CounterVec
	openBatchGauge        prometheus.Gauge
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		paymentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_recorded_total",
			Help: "Accepted payment notifications by source currency",
		}, []string{"currency"})

		stageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_stage_total",
			Help: "Saga stage outcomes",
		}, []string{"stage", "result"})

		duplicateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duplicate_deliveries_total",
			Help: "Task deliveries suppressed by an idempotency claim",
		}, []string{"stage"})

		retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_retries_total",
			Help: "Bounded-tier retries scheduled per stage",
		}, []string{"stage"})

		failedTxCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failed_transactions_total",
			Help: "Dead-letter rows written, by operation and error class",
		}, []string{"operation", "class"})

		openBatchGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payout_batches_open",
			Help: "Batches currently between opening and settlement",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			paymentCounter,
			stageCounter,
			duplicateCounter,
			retryCounter,
			failedTxCounter,
			openBatchGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementPaymentRecorded(currency string) {
	if paymentCounter == nil {
		return
	}
	paymentCounter.WithLabelValues(currency).Inc()
}

func IncrementStage(stage, result string) {
	if stageCounter == nil {
		return
	}
	stageCounter.WithLabelValues(stage, result).Inc()
}

func IncrementDuplicateDelivery(stage string) {
	if duplicateCounter == nil {
		return
	}
	duplicateCounter.WithLabelValues(stage).Inc()
}

func IncrementStageRetry(stage string) {
	if retryCounter == nil {
		return
	}
	retryCounter.WithLabelValues(stage).Inc()
}

func IncrementFailedTransaction(operation, class string) {
	if failedTxCounter == nil {
		return
	}
	failedTxCounter.WithLabelValues(operation, class).Inc()
}

func SetOpenBatches(size int64) {
	if openBatchGauge == nil {
		return
	}
	openBatchGauge.Set(float64(size))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
