package controller

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/rulesstore"
)

type fakeQueue struct {
	mu      sync.Mutex
	records []domain.TrafficRecord
}

func (q *fakeQueue) Enqueue(rec domain.TrafficRecord) bool {
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

func newTestController(t *testing.T) (*Controller, *rulesstore.Store) {
	t.Helper()
	store, err := rulesstore.Open(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("rulesstore.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := New("127.0.0.1", "test-host", store, &fakeQueue{}, nil)
	return c, store
}

func TestController_RegisterTraffic_LoopbackTCP(t *testing.T) {
	c, store := newTestController(t)

	rule := domain.TrafficRule{
		RuleID:    "rule-1",
		Src:       "127.0.0.1",
		Dst:       "127.0.0.1",
		Protocol:  domain.TCP,
		Port:      19465,
		Connected: true,
	}
	if err := c.RegisterTraffic([]domain.TrafficRule{rule}); err != nil {
		t.Fatalf("RegisterTraffic failed: %v", err)
	}

	stored, ok := store.Get("rule-1")
	if !ok {
		t.Fatalf("expected rule-1 to be persisted")
	}
	if stored.SrcHost == "" || stored.DstHost == "" {
		t.Fatalf("expected both src and dst host resolved locally, got %+v", stored)
	}
	if !stored.Enabled() {
		t.Fatalf("expected rule to default to ACTIVE")
	}
	if c.servers.NumTasks() != 1 {
		t.Fatalf("expected 1 server task, got %d", c.servers.NumTasks())
	}
	if c.clients.NumTasks() != 1 {
		t.Fatalf("expected 1 client task, got %d", c.clients.NumTasks())
	}

	c.Close()
}

func TestController_RegisterTraffic_UnresolvedRuleSkipped(t *testing.T) {
	c, store := newTestController(t)

	rule := domain.TrafficRule{
		RuleID:   "rule-remote",
		Src:      "10.99.99.1",
		Dst:      "10.99.99.2",
		Protocol: domain.TCP,
		Port:     9465,
	}
	if err := c.RegisterTraffic([]domain.TrafficRule{rule}); err != nil {
		t.Fatalf("RegisterTraffic failed: %v", err)
	}
	if _, ok := store.Get("rule-remote"); ok {
		t.Fatalf("expected unresolved rule not to be persisted")
	}
}

func TestController_StartStopUnregister(t *testing.T) {
	c, store := newTestController(t)

	rule := domain.TrafficRule{
		RuleID:    "rule-2",
		Src:       "127.0.0.1",
		Dst:       "127.0.0.1",
		Protocol:  domain.TCP,
		Port:      19466,
		Connected: true,
	}
	if err := c.RegisterTraffic([]domain.TrafficRule{rule}); err != nil {
		t.Fatalf("RegisterTraffic failed: %v", err)
	}

	c.Stop([]string{"rule-2"})
	if store.IsEnabled("rule-2") {
		t.Fatalf("expected rule-2 to be disabled after Stop")
	}

	c.Start([]string{"rule-2"})
	if !store.IsEnabled("rule-2") {
		t.Fatalf("expected rule-2 to be re-enabled after Start")
	}

	c.UnregisterTraffic([]string{"rule-2"})
	if _, ok := store.Get("rule-2"); ok {
		t.Fatalf("expected rule-2 to be deleted after Unregister")
	}

	c.Close()
}

func TestController_ResumeActiveRules(t *testing.T) {
	store, err := rulesstore.Open(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("rulesstore.Open failed: %v", err)
	}
	defer store.Close()

	rule := domain.TrafficRule{
		RuleID:    "rule-3",
		Src:       "127.0.0.1",
		Dst:       "127.0.0.1",
		Protocol:  domain.UDP,
		Port:      19467,
		Connected: false,
	}
	rule.Fill()
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	c := New("127.0.0.1", "test-host", store, &fakeQueue{}, nil)
	c.ResumeActiveRules()

	if c.clients.NumTasks() != 1 {
		t.Fatalf("expected resume to start 1 client task, got %d", c.clients.NumTasks())
	}
	c.Close()
	time.Sleep(10 * time.Millisecond)
}
