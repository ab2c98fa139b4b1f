// Package monitor implements the periodic resource sampler (§4.10):
// system and agent-process CPU/memory/connection-count snapshots,
// non-blockingly enqueued onto the recording pipeline.
package monitor

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/logging"
)

// DefaultInterval matches the original's REPORT_INTERVAL.
const DefaultInterval = 2 * time.Second

// Queue is the non-blocking sink a Monitor enqueues onto; implemented
// by internal/recorder.Manager.
type Queue interface {
	EnqueueResource(rec domain.ResourceRecord) (dropped bool)
}

// Monitor samples system and agent-process resource usage on a timer.
// Start/Stop are idempotent; a single background worker runs while
// started.
type Monitor struct {
	queue    Queue
	interval time.Duration

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	proc    *process.Process
}

// New builds a Monitor for the current process, sampling every
// interval (DefaultInterval if zero) and pushing records onto queue.
func New(queue Queue, interval time.Duration) (*Monitor, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{queue: queue, interval: interval, stopped: true, proc: proc}, nil
}

// IsRunning reports whether the background worker is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped
}

// Start launches the sampling worker if not already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		return
	}
	m.stopped = false
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(m.stopCh, m.doneCh)
	logging.Op().Info("resource monitor started", "interval", m.interval)
}

func (m *Monitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.sampleAndEnqueue()
		}
	}
}

func (m *Monitor) sampleAndEnqueue() {
	rec := domain.ResourceRecord{Timestamp: time.Now()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		rec.SystemCPUPercent = round2(pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		rec.SystemMemPercent = round2(vm.UsedPercent)
	}
	if conns, err := psnet.Connections("all"); err == nil {
		rec.SystemConnCount = len(conns)
	}

	if cpuPct, err := m.proc.CPUPercent(); err == nil {
		rec.AgentCPUPercent = round2(cpuPct)
	}
	if memPct, err := m.proc.MemoryPercent(); err == nil {
		rec.AgentMemPercent = round2(float64(memPct))
	}
	if conns, err := m.proc.Connections(); err == nil {
		rec.AgentConnCount = len(conns)
	}

	if dropped := m.queue.EnqueueResource(rec); dropped {
		logging.Op().Warn("dropped resource record, queue full")
	}
}

// Stop signals the worker and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	logging.Op().Info("resource monitor stopped")
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
