package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Lydian's agent/Podium metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	probesTotal          *prometheus.CounterVec
	recordsEnqueuedTotal  prometheus.Counter
	recordsDroppedTotal   prometheus.Counter
	sinkWriteErrorsTotal  *prometheus.CounterVec
	tasksStartedTotal     prometheus.Counter
	tasksStoppedTotal     prometheus.Counter

	// Histograms
	probeDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	queueDepth     *prometheus.GaugeVec
	activeTasks    prometheus.Gauge
}

// Default histogram buckets for probe duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
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

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of traffic probes by rule and protocol",
			},
			[]string{"ruleid", "protocol", "status"},
		),

		recordsEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_enqueued_total",
				Help:      "Total TrafficRecords accepted onto the recording pipeline's queue",
			},
		),

		recordsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dropped_total",
				Help:      "Total TrafficRecords dropped because the recording queue was full",
			},
		),

		sinkWriteErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_write_errors_total",
				Help:      "Total write errors by recording sink",
			},
			[]string{"sink"},
		),

		tasksStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total client/server traffic tasks started",
			},
		),

		tasksStoppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_stopped_total",
				Help:      "Total client/server traffic tasks stopped",
			},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_milliseconds",
				Help:      "Duration of traffic probes in milliseconds",
				Buckets:   buckets,
			},
			[]string{"ruleid", "protocol"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current recording pipeline queue depth by sink",
			},
			[]string{"sink"},
		),

		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Number of currently running client/server traffic tasks",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.probesTotal,
		pm.recordsEnqueuedTotal,
		pm.recordsDroppedTotal,
		pm.sinkWriteErrorsTotal,
		pm.tasksStartedTotal,
		pm.tasksStoppedTotal,
		pm.probeDuration,
		pm.uptime,
		pm.queueDepth,
		pm.activeTasks,
	)

	promMetrics = pm
}

// RecordPrometheusProbe records a probe outcome in Prometheus collectors.
func RecordPrometheusProbe(ruleID, protocol string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.probesTotal.WithLabelValues(ruleID, protocol, status).Inc()
	promMetrics.probeDuration.WithLabelValues(ruleID, protocol).Observe(float64(durationMs))
}

// RecordPrometheusRecordEnqueued records a TrafficRecord entering the recording queue.
func RecordPrometheusRecordEnqueued() {
	if promMetrics == nil {
		return
	}
	promMetrics.recordsEnqueuedTotal.Inc()
}

// RecordPrometheusRecordDropped records a TrafficRecord dropped at the recording queue.
func RecordPrometheusRecordDropped() {
	if promMetrics == nil {
		return
	}
	promMetrics.recordsDroppedTotal.Inc()
}

// RecordPrometheusSinkWriteError records a sink write failure.
func RecordPrometheusSinkWriteError(sink string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sinkWriteErrorsTotal.WithLabelValues(sink).Inc()
}

// RecordPrometheusTaskStarted records a traffic task starting.
func RecordPrometheusTaskStarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.tasksStartedTotal.Inc()
	promMetrics.activeTasks.Inc()
}

// RecordPrometheusTaskStopped records a traffic task stopping.
func RecordPrometheusTaskStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.tasksStoppedTotal.Inc()
	promMetrics.activeTasks.Dec()
}

// SetQueueDepth sets the recording pipeline queue depth gauge for a sink.
func SetQueueDepth(sink string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(sink).Set(float64(depth))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
