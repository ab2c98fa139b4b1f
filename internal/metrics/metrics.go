// Package metrics collects and exposes Lydian agent/Podium observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-rule counters + time series) for
//     the lightweight JSON /metrics endpoint used for local inspection.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets an agent be inspected directly without a Prometheus
// sidecar while still supporting fleet-wide monitoring stacks.
//
// # Concurrency — hot path
//
// RecordProbe is called from every client/server task on every completed
// probe and must be as fast as possible. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously.
// This avoids holding any lock on the probe hot path.
//
// The per-rule RuleMetrics struct also uses atomic operations exclusively;
// the sync.Map that stores per-rule entries is read-heavy and
// write-once-per-new-rule, which is the ideal use case for sync.Map.
//
// # Invariants
//
//   - TotalProbes == SuccessProbes + FailedProbes (maintained by
//     RecordProbe).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Probes       int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes agent/Podium runtime metrics.
type Metrics struct {
	// Probe outcome metrics
	TotalProbes  atomic.Int64
	SuccessProbes atomic.Int64
	FailedProbes  atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Recording pipeline metrics
	RecordsEnqueued  atomic.Int64
	RecordsDropped   atomic.Int64
	SinkWriteErrors  atomic.Int64

	// Task lifecycle metrics
	TasksStarted atomic.Int64
	TasksStopped atomic.Int64

	// Per-rule metrics
	ruleMetrics sync.Map // ruleID -> *RuleMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// RuleMetrics tracks metrics for a single traffic rule.
type RuleMetrics struct {
	Probes    atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordProbe records a single probe outcome for a traffic rule and its
// protocol, for both the in-process and Prometheus bridges.
func (m *Metrics) RecordProbe(ruleID, protocol string, durationMs int64, success bool) {
	m.TotalProbes.Add(1)

	if success {
		m.SuccessProbes.Add(1)
	} else {
		m.FailedProbes.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	// Per-rule metrics
	rm := m.getRuleMetrics(ruleID)
	rm.Probes.Add(1)
	if success {
		rm.Successes.Add(1)
	} else {
		rm.Failures.Add(1)
	}
	rm.TotalMs.Add(durationMs)
	updateMin(&rm.MinMs, durationMs)
	updateMax(&rm.MaxMs, durationMs)

	// Time series recording
	m.recordTimeSeries(durationMs, !success)

	// Prometheus bridge
	RecordPrometheusProbe(ruleID, protocol, durationMs, success)
}

// RecordRecordEnqueued records a TrafficRecord entering the recording pipeline's queue.
func (m *Metrics) RecordRecordEnqueued() {
	m.RecordsEnqueued.Add(1)
	RecordPrometheusRecordEnqueued()
}

// RecordRecordDropped records a TrafficRecord dropped because a sink queue was full.
func (m *Metrics) RecordRecordDropped() {
	m.RecordsDropped.Add(1)
	RecordPrometheusRecordDropped()
}

// RecordSinkWriteError records a sink (SQLite/Redis/CloudWatch) write failure.
func (m *Metrics) RecordSinkWriteError(sink string) {
	m.SinkWriteErrors.Add(1)
	RecordPrometheusSinkWriteError(sink)
}

// RecordTaskStarted records a client or server task starting.
func (m *Metrics) RecordTaskStarted() {
	m.TasksStarted.Add(1)
	RecordPrometheusTaskStarted()
}

// RecordTaskStopped records a client or server task stopping.
func (m *Metrics) RecordTaskStopped() {
	m.TasksStopped.Add(1)
	RecordPrometheusTaskStopped()
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the probe hot path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Probes++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getRuleMetrics(ruleID string) *RuleMetrics {
	if v, ok := m.ruleMetrics.Load(ruleID); ok {
		return v.(*RuleMetrics)
	}

	rm := &RuleMetrics{}
	rm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.ruleMetrics.LoadOrStore(ruleID, rm)
	return actual.(*RuleMetrics)
}

// GetRuleMetrics returns the metrics for a specific rule (or nil if none recorded yet).
func (m *Metrics) GetRuleMetrics(ruleID string) *RuleMetrics {
	if v, ok := m.ruleMetrics.Load(ruleID); ok {
		return v.(*RuleMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalProbes.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"probes": map[string]interface{}{
			"total":       total,
			"success":     m.SuccessProbes.Load(),
			"failed":      m.FailedProbes.Load(),
			"success_pct": successPercentage(m.SuccessProbes.Load(), total),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"recorder": map[string]interface{}{
			"enqueued":         m.RecordsEnqueued.Load(),
			"dropped":          m.RecordsDropped.Load(),
			"sink_write_errors": m.SinkWriteErrors.Load(),
		},
		"tasks": map[string]interface{}{
			"started": m.TasksStarted.Load(),
			"stopped": m.TasksStopped.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// RuleStats returns per-rule metrics.
func (m *Metrics) RuleStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.ruleMetrics.Range(func(key, value interface{}) bool {
		ruleID := key.(string)
		rm := value.(*RuleMetrics)

		total := rm.Probes.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(rm.TotalMs.Load()) / float64(total)
		}

		minMs := rm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[ruleID] = map[string]interface{}{
			"probes":    total,
			"successes": rm.Successes.Load(),
			"failures":  rm.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    rm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["rules"] = m.RuleStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"probes":       bucket.Probes,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func successPercentage(success, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total) * 100
}
