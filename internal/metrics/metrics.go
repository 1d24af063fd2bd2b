// Package metrics exposes Prometheus collectors for the linksniff service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick results recorded by ObserveTick.
const (
	TickOK     = "ok"
	TickIdle   = "idle"
	TickError  = "error"
	TickPanic  = "panic"
	FlushLines = "lines"
	FlushTimer = "interval"
	FlushFinal = "final"
)

var (
	dispatchTicksTotal         *prometheus.CounterVec
	tasksDispatchedTotal       *prometheus.CounterVec
	tasksFinishedTotal         *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	logFlushesTotal            *prometheus.CounterVec
	storeRetriesTotal          *prometheus.CounterVec
	compactionsTotal           *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call
// it themselves.
func Init() {
	once.Do(func() {
		dispatchTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linksniff_dispatch_ticks_total",
				Help: "Dispatcher ticks, labeled by result.",
			},
			[]string{"result"},
		)

		tasksDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linksniff_tasks_dispatched_total",
				Help: "Tasks handed to a worker, labeled by script.",
			},
			[]string{"script"},
		)

		tasksFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linksniff_tasks_finished_total",
				Help: "Tasks that reached a terminal state, labeled by script and status.",
			},
			[]string{"script", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linksniff_active_workers",
				Help: "Number of workers currently supervising a process.",
			},
		)

		logFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linksniff_log_flushes_total",
				Help: "Task log writes, labeled by trigger.",
			},
			[]string{"reason"},
		)

		storeRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linksniff_store_retries_total",
				Help: "Store operations retried after contention, labeled by operation.",
			},
			[]string{"op"},
		)

		compactionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linksniff_compactions_total",
				Help: "Store compactions, labeled by result.",
			},
			[]string{"result"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linksniff_task_duration_seconds",
				Help:    "Wall time of finished tasks, labeled by script.",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"script"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTick records the outcome of one dispatcher tick.
func ObserveTick(result string) {
	Init()
	dispatchTicksTotal.WithLabelValues(result).Inc()
}

// ObserveDispatch records a task handed to a worker.
func ObserveDispatch(script string) {
	Init()
	tasksDispatchedTotal.WithLabelValues(script).Inc()
}

// ObserveFinished records a terminal task state and its run time.
func ObserveFinished(script, status string, duration time.Duration) {
	Init()
	tasksFinishedTotal.WithLabelValues(script, status).Inc()
	taskDurationSeconds.WithLabelValues(script).Observe(duration.Seconds())
}

// ObserveLogFlush records a log write and what triggered it.
func ObserveLogFlush(reason string) {
	Init()
	logFlushesTotal.WithLabelValues(reason).Inc()
}

// ObserveStoreRetry records a retried store operation.
func ObserveStoreRetry(op string) {
	Init()
	storeRetriesTotal.WithLabelValues(op).Inc()
}

// ObserveCompaction records a compaction attempt.
func ObserveCompaction(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	compactionsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
