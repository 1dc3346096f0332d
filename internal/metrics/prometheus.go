package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for dispatcher metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	invocationsTotal *prometheus.CounterVec
	coldStartsTotal  prometheus.Counter
	warmStartsTotal  prometheus.Counter
	workersSpawned   prometheus.Counter
	workersStopped   prometheus.Counter
	workersCrashed   prometheus.Counter

	// Histograms
	invocationDuration *prometheus.HistogramVec
	workerBootDuration *prometheus.HistogramVec
	ipcLatency         *prometheus.HistogramVec

	// Gauges
	uptime          prometheus.GaugeFunc
	workerPool      *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	activeRequests  prometheus.Gauge
	activeWorkers   prometheus.Gauge

	// Admission control
	admissionTotal *prometheus.CounterVec
	shedTotal      *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	queueWaitMs    *prometheus.GaugeVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if buckets == nil || len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of handler invocations",
			},
			[]string{"handler", "engine", "status"},
		),

		coldStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Total number of cold starts (worker spawn + CodeObject load on the critical path)",
			},
		),

		warmStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_starts_total",
				Help:      "Total number of warm starts served by an already-initialized worker",
			},
		),

		workersSpawned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_spawned_total",
				Help:      "Total worker processes spawned",
			},
		),

		workersStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_stopped_total",
				Help:      "Total worker processes stopped cleanly",
			},
		),

		workersCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_crashed_total",
				Help:      "Total worker processes that crashed or were killed for exceeding limits",
			},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "Duration of handler invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"handler", "engine", "cold_start"},
		),

		workerBootDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_boot_duration_milliseconds",
				Help:      "Duration of worker process boot (cold start) in milliseconds",
				Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"engine"},
		),

		ipcLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ipc_latency_milliseconds",
				Help:      "Latency of dispatcher-to-worker IPC round trips in milliseconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"operation"}, // send, receive, invoke
		),

		workerPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Current worker pool size by version string and state",
			},
			[]string{"version", "state"},
		),

		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_utilization_ratio",
				Help:      "Pool utilization ratio (busy / total) by version string",
			},
			[]string{"version"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently active invocation requests",
			},
		),

		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Total number of active worker processes across all pools",
			},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_total",
				Help:      "Admission decisions by result and reason",
			},
			[]string{"version", "result", "reason"},
		),

		shedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shed_total",
				Help:      "Load shedding events",
			},
			[]string{"version", "reason"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current dispatcher queue depth by version string",
			},
			[]string{"version"},
		),

		queueWaitMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Last observed queue wait in milliseconds by version string",
			},
			[]string{"version"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"version"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"version", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the dispatcher process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.invocationsTotal,
		pm.coldStartsTotal,
		pm.warmStartsTotal,
		pm.workersSpawned,
		pm.workersStopped,
		pm.workersCrashed,
		pm.invocationDuration,
		pm.workerBootDuration,
		pm.ipcLatency,
		pm.uptime,
		pm.workerPool,
		pm.poolUtilization,
		pm.activeRequests,
		pm.activeWorkers,
		pm.admissionTotal,
		pm.shedTotal,
		pm.queueDepth,
		pm.queueWaitMs,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusInvocation records an invocation in Prometheus collectors
func RecordPrometheusInvocation(handlerName, engine string, durationMs int64, coldStart bool, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.invocationsTotal.WithLabelValues(handlerName, engine, status).Inc()

	if coldStart {
		promMetrics.coldStartsTotal.Inc()
	} else {
		promMetrics.warmStartsTotal.Inc()
	}

	coldLabel := "false"
	if coldStart {
		coldLabel = "true"
	}
	promMetrics.invocationDuration.WithLabelValues(handlerName, engine, coldLabel).Observe(float64(durationMs))
}

// RecordPrometheusWorkerSpawned records a worker process spawn in Prometheus
func RecordPrometheusWorkerSpawned() {
	if promMetrics == nil {
		return
	}
	promMetrics.workersSpawned.Inc()
}

// RecordPrometheusWorkerStopped records a clean worker stop in Prometheus
func RecordPrometheusWorkerStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.workersStopped.Inc()
}

// RecordPrometheusWorkerCrashed records a worker crash in Prometheus
func RecordPrometheusWorkerCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.workersCrashed.Inc()
}

// SetWorkerPoolSize sets the current worker pool size for a version string
func SetWorkerPoolSize(versionString string, idle, busy int) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerPool.WithLabelValues(versionString, "idle").Set(float64(idle))
	promMetrics.workerPool.WithLabelValues(versionString, "busy").Set(float64(busy))

	total := idle + busy
	if total > 0 {
		promMetrics.poolUtilization.WithLabelValues(versionString).Set(float64(busy) / float64(total))
	}
}

// RecordWorkerBootDuration records worker boot time in Prometheus
func RecordWorkerBootDuration(engine string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerBootDuration.WithLabelValues(engine).Observe(float64(durationMs))
}

// RecordIPCLatency records dispatcher-to-worker IPC operation latency
func RecordIPCLatency(operation string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.ipcLatency.WithLabelValues(operation).Observe(durationMs)
}

// IncActiveRequests increments the active requests counter
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests counter
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// SetActiveWorkers sets the total number of active workers across all pools
func SetActiveWorkers(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeWorkers.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// RecordAdmissionResult records request admission/rejection decisions.
func RecordAdmissionResult(versionString, result, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.admissionTotal.WithLabelValues(versionString, result, reason).Inc()
}

// RecordShed records load-shedding events for a version string.
func RecordShed(versionString, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.shedTotal.WithLabelValues(versionString, reason).Inc()
}

// SetQueueDepth sets the queue depth gauge for one label value; the
// Dispatcher passes its worker slot id ("worker-0", ...), not a version string.
func SetQueueDepth(versionString string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(versionString).Set(float64(depth))
}

// SetQueueWaitMs sets the latest queue wait duration gauge for a version string.
func SetQueueWaitMs(versionString string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueWaitMs.WithLabelValues(versionString).Set(float64(waitMs))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for one label
// value; the Dispatcher passes its worker slot id ("worker-0", ...).
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(versionString string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(versionString).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(versionString, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(versionString, toState).Inc()
}
