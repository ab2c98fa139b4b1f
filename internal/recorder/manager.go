// Package recorder implements the recording pipeline (§4.8): bounded
// queues for traffic and resource records, drained by dedicated
// workers that fan each record out to every configured Sink.
package recorder

import (
	"sync"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/metrics"
)

// DefaultQueueCapacity matches §4.8's ~50,000-record bound.
const DefaultQueueCapacity = 50000

// Manager owns the traffic and resource queues and their drain
// workers. It implements internal/traffic/task.RecordQueue.
type Manager struct {
	trafficSinks  []Sink
	resourceSinks []Sink

	trafficCh  chan domain.TrafficRecord
	resourceCh chan domain.ResourceRecord

	trafficTimeout  time.Duration
	resourceTimeout time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewManager builds a Manager with the given sinks and queue capacity.
// trafficTimeout/resourceTimeout are the dequeue wait (§6's
// TRAFFIC_RECORD_REPORT_FREQ / RESOURCE_RECORD_REPORT_FREQ); a worker
// that times out waiting just loops again, matching the original's
// queue.Empty-tolerant handler.
func NewManager(trafficSinks, resourceSinks []Sink, capacity int, trafficTimeout, resourceTimeout time.Duration) *Manager {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Manager{
		trafficSinks:    trafficSinks,
		resourceSinks:   resourceSinks,
		trafficCh:       make(chan domain.TrafficRecord, capacity),
		resourceCh:      make(chan domain.ResourceRecord, capacity),
		trafficTimeout:  trafficTimeout,
		resourceTimeout: resourceTimeout,
	}
}

// Enqueue non-blockingly adds a traffic record to the queue; a full
// queue drops the record, incrementing the dropped-record counter,
// rather than ever blocking the calling prober.
func (m *Manager) Enqueue(rec domain.TrafficRecord) (dropped bool) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case m.trafficCh <- rec:
		metrics.Global().RecordRecordEnqueued()
		return false
	default:
		metrics.Global().RecordRecordDropped()
		return true
	}
}

// EnqueueResource is the ResourceRecord analogue of Enqueue.
func (m *Manager) EnqueueResource(rec domain.ResourceRecord) (dropped bool) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case m.resourceCh <- rec:
		metrics.Global().RecordRecordEnqueued()
		return false
	default:
		metrics.Global().RecordRecordDropped()
		return true
	}
}

// Start launches the traffic and resource drain workers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(2)
	go m.drainTraffic()
	go m.drainResource()
}

func (m *Manager) drainTraffic() {
	defer m.wg.Done()
	timeout := m.trafficTimeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	for {
		select {
		case <-m.stopCh:
			m.flushTraffic()
			return
		case rec := <-m.trafficCh:
			m.fanOutTraffic(rec)
		case <-time.After(timeout):
		}
	}
}

func (m *Manager) drainResource() {
	defer m.wg.Done()
	timeout := m.resourceTimeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	for {
		select {
		case <-m.stopCh:
			m.flushResource()
			return
		case rec := <-m.resourceCh:
			m.fanOutResource(rec)
		case <-time.After(timeout):
		}
	}
}

// flushTraffic/flushResource drain whatever is left in the channel
// without blocking, giving Close a bounded final pass.
func (m *Manager) flushTraffic() {
	for {
		select {
		case rec := <-m.trafficCh:
			m.fanOutTraffic(rec)
		default:
			return
		}
	}
}

func (m *Manager) flushResource() {
	for {
		select {
		case rec := <-m.resourceCh:
			m.fanOutResource(rec)
		default:
			return
		}
	}
}

func (m *Manager) fanOutTraffic(rec domain.TrafficRecord) {
	for _, sink := range m.trafficSinks {
		if !sink.Enabled() {
			continue
		}
		if err := sink.WriteTraffic(rec); err != nil {
			metrics.Global().RecordSinkWriteError(sink.Name())
			logging.Op().Error("traffic sink write failed", "sink", sink.Name(), "ruleid", rec.RuleID, "error", err)
		}
	}
}

func (m *Manager) fanOutResource(rec domain.ResourceRecord) {
	for _, sink := range m.resourceSinks {
		if !sink.Enabled() {
			continue
		}
		if err := sink.WriteResource(rec); err != nil {
			metrics.Global().RecordSinkWriteError(sink.Name())
			logging.Op().Error("resource sink write failed", "sink", sink.Name(), "error", err)
		}
	}
}

// Stop signals both workers and waits for them to flush whatever is
// still queued and exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

// Close stops the workers then closes every sink, collecting (not
// aborting on) per-sink close errors.
func (m *Manager) Close() []error {
	m.Stop()
	var errs []error
	seen := make(map[string]bool)
	for _, sink := range append(append([]Sink{}, m.trafficSinks...), m.resourceSinks...) {
		if seen[sink.Name()] {
			continue
		}
		seen[sink.Name()] = true
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
