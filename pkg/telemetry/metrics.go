package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the control plane. The zero
// value and disabled configurations are no-ops.
type Metrics struct {
	config MetricsConfig

	// Task engine metrics
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	queuedTasks   prometheus.Gauge

	// Backend metrics
	backendCalls  *prometheus.CounterVec
	backendErrors *prometheus.CounterVec

	// Inventory metrics
	instancesByStatus *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of background tasks started",
			},
			[]string{"task"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of background tasks finished",
			},
			[]string{"task", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of background task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),
		queuedTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_tasks",
				Help:      "Current number of pending tasks in the queue",
			},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of infrastructure backend calls",
			},
			[]string{"backend", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of infrastructure backend errors",
			},
			[]string{"backend", "operation"},
		),

		instancesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances",
				Help:      "Current number of instances by status",
			},
			[]string{"status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.tasksStarted,
		m.tasksFinished,
		m.taskDuration,
		m.queuedTasks,
		m.backendCalls,
		m.backendErrors,
		m.instancesByStatus,
		m.errorsByClass,
	)

	return m, nil
}

// RecordTaskStarted increments the counter for started tasks.
func (m *Metrics) RecordTaskStarted(task string) {
	if m.tasksStarted == nil {
		return
	}
	m.tasksStarted.WithLabelValues(task).Inc()
}

// RecordTaskFinished records a finished task with its outcome and duration.
func (m *Metrics) RecordTaskFinished(task, outcome string, duration time.Duration) {
	if m.tasksFinished == nil {
		return
	}
	m.tasksFinished.WithLabelValues(task, outcome).Inc()
	m.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// SetQueuedTasks sets the current queue depth.
func (m *Metrics) SetQueuedTasks(count float64) {
	if m.queuedTasks == nil {
		return
	}
	m.queuedTasks.Set(count)
}

// RecordBackendCall records an infrastructure backend call.
func (m *Metrics) RecordBackendCall(backend, operation string) {
	if m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation).Inc()
}

// RecordBackendError records an infrastructure backend error.
func (m *Metrics) RecordBackendError(backend, operation string) {
	if m.backendErrors == nil {
		return
	}
	m.backendErrors.WithLabelValues(backend, operation).Inc()
}

// SetInstanceCount sets the current count of instances in a status.
func (m *Metrics) SetInstanceCount(status string, count float64) {
	if m.instancesByStatus == nil {
		return
	}
	m.instancesByStatus.WithLabelValues(status).Set(count)
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed.")
		}
	}()

	return nil
}
