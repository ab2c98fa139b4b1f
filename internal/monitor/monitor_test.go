package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
)

type fakeQueue struct {
	mu      sync.Mutex
	records []domain.ResourceRecord
}

func (q *fakeQueue) EnqueueResource(rec domain.ResourceRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return false
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	q := &fakeQueue{}
	m, err := New(q, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m.Start()
	m.Start() // second Start must be a no-op, not a second worker
	if !m.IsRunning() {
		t.Fatalf("expected monitor to be running")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && q.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if q.count() == 0 {
		t.Fatalf("expected at least one resource record to be sampled")
	}

	m.Stop()
	m.Stop() // second Stop must be a no-op, not a panic on double-close
	if m.IsRunning() {
		t.Fatalf("expected monitor to be stopped")
	}
}
