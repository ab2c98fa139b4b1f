package rulesstore

import (
	"path/filepath"
	"testing"

	"github.com/lydian-project/lydian/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRule(ruleid string) domain.TrafficRule {
	return domain.TrafficRule{
		RuleID:    ruleid,
		ReqID:     "req-1",
		Src:       "127.0.0.1",
		Dst:       "127.0.0.1",
		Protocol:  domain.TCP,
		Port:      9465,
		Connected: true,
		SrcTarget: &domain.Target{Kind: domain.TargetVMHost},
		DstTarget: &domain.Target{Kind: domain.TargetVMHost},
	}
}

func TestStore_AddAndGet(t *testing.T) {
	s := openTestStore(t)

	rule := sampleRule("r1")
	if err := s.Add(rule); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, ok := s.Get("r1")
	if !ok {
		t.Fatalf("expected rule r1 to be cached")
	}
	if got.Payload != domain.DefaultPayload {
		t.Fatalf("expected Fill to default payload, got %q", got.Payload)
	}
	if got.State != domain.StateActive {
		t.Fatalf("expected default state ACTIVE, got %s", got.State)
	}
}

func TestStore_CrashRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s1.Add(sampleRule("r1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	s1.Close() // simulates a crash: no graceful drain needed, the write already committed

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if err := s2.LoadFromDB(); err != nil {
		t.Fatalf("LoadFromDB failed: %v", err)
	}
	got, ok := s2.Get("r1")
	if !ok {
		t.Fatalf("expected rule r1 to survive reopen")
	}
	if got.Src != "127.0.0.1" || got.DstTarget.Kind != domain.TargetVMHost {
		t.Fatalf("recovered rule mismatch: %+v", got)
	}
}

func TestStore_AddAllAtomic(t *testing.T) {
	s := openTestStore(t)

	rules := []domain.TrafficRule{sampleRule("r1"), sampleRule("r2"), sampleRule("r3")}
	if err := s.AddAll(rules); err != nil {
		t.Fatalf("AddAll failed: %v", err)
	}
	if s.NumRules() != 3 {
		t.Fatalf("expected 3 rules, got %d", s.NumRules())
	}

	byReq := s.ByReqID("req-1")
	if len(byReq) != 3 {
		t.Fatalf("expected 3 rules for reqid, got %d", len(byReq))
	}
}

func TestStore_EnableDisable(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add(sampleRule("r1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if !s.IsEnabled("r1") {
		t.Fatalf("expected r1 to start ACTIVE")
	}

	if err := s.Disable("r1"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if s.IsEnabled("r1") {
		t.Fatalf("expected r1 to be disabled")
	}

	if err := s.Enable("r1"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !s.IsEnabled("r1") {
		t.Fatalf("expected r1 to be re-enabled")
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add(sampleRule("r1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Delete("r1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := s.Get("r1"); ok {
		t.Fatalf("expected r1 to be gone after Delete")
	}
}

func TestStore_DeleteByReqID(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddAll([]domain.TrafficRule{sampleRule("r1"), sampleRule("r2")}); err != nil {
		t.Fatalf("AddAll failed: %v", err)
	}

	ids, err := s.DeleteByReqID("req-1")
	if err != nil {
		t.Fatalf("DeleteByReqID failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 deleted ruleids, got %d", len(ids))
	}
	if s.NumRules() != 0 {
		t.Fatalf("expected store to be empty, got %d", s.NumRules())
	}
}
