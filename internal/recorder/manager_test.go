package recorder

import (
	"sync"
	"testing"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
)

type fakeSink struct {
	mu       sync.Mutex
	name     string
	enabled  bool
	traffic  []domain.TrafficRecord
	resource []domain.ResourceRecord
}

func (f *fakeSink) Name() string  { return f.name }
func (f *fakeSink) Enabled() bool { return f.enabled }
func (f *fakeSink) Close() error  { return nil }

func (f *fakeSink) WriteTraffic(rec domain.TrafficRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traffic = append(f.traffic, rec)
	return nil
}

func (f *fakeSink) WriteResource(rec domain.ResourceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resource = append(f.resource, rec)
	return nil
}

func (f *fakeSink) count() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.traffic), len(f.resource)
}

func TestManager_FanOutToEnabledSinkOnly(t *testing.T) {
	enabled := &fakeSink{name: "on", enabled: true}
	disabled := &fakeSink{name: "off", enabled: false}

	m := NewManager([]Sink{enabled, disabled}, nil, 10, 20*time.Millisecond, 20*time.Millisecond)
	m.Start()
	defer m.Stop()

	if dropped := m.Enqueue(domain.TrafficRecord{RuleID: "r1"}); dropped {
		t.Fatalf("expected enqueue to succeed")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := enabled.count(); n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n, _ := enabled.count(); n != 1 {
		t.Fatalf("expected enabled sink to receive 1 record, got %d", n)
	}
	if n, _ := disabled.count(); n != 0 {
		t.Fatalf("expected disabled sink to receive 0 records, got %d", n)
	}
}

func TestManager_DropsWhenQueueFull(t *testing.T) {
	sink := &fakeSink{name: "slow", enabled: true}
	m := NewManager([]Sink{sink}, nil, 1, time.Hour, time.Hour) // never drains: long timeout, no Start

	if dropped := m.Enqueue(domain.TrafficRecord{RuleID: "r1"}); dropped {
		t.Fatalf("expected first enqueue to succeed")
	}
	if dropped := m.Enqueue(domain.TrafficRecord{RuleID: "r2"}); !dropped {
		t.Fatalf("expected second enqueue into a full queue to be dropped")
	}
}

func TestManager_CloseDrainsOutstandingRecords(t *testing.T) {
	sink := &fakeSink{name: "s", enabled: true}
	m := NewManager([]Sink{sink}, nil, 10, time.Hour, time.Hour)
	m.Start()

	m.Enqueue(domain.TrafficRecord{RuleID: "r1"})
	m.Enqueue(domain.TrafficRecord{RuleID: "r2"})

	if errs := m.Close(); len(errs) != 0 {
		t.Fatalf("expected no close errors, got %v", errs)
	}
	if n, _ := sink.count(); n != 2 {
		t.Fatalf("expected both records flushed on close, got %d", n)
	}
}
