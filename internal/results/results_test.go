package results

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/recorder"
)

func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traffic.db")
	db, err := recorder.OpenTrafficDB(path)
	if err != nil {
		t.Fatalf("OpenTrafficDB failed: %v", err)
	}
	sink := recorder.NewSQLiteSink(db, func() bool { return true })

	now := time.Now()
	records := []domain.TrafficRecord{
		{Timestamp: now, ReqID: "req-1", RuleID: "r1", Source: "10.0.0.1", Destination: "10.0.0.2", Protocol: domain.TCP, Port: 9465, Expected: true, Result: true, LatencyMs: 1.0},
		{Timestamp: now, ReqID: "req-1", RuleID: "r1", Source: "10.0.0.1", Destination: "10.0.0.2", Protocol: domain.TCP, Port: 9465, Expected: true, Result: true, LatencyMs: 3.0},
		{Timestamp: now, ReqID: "req-1", RuleID: "r2", Source: "10.0.0.1", Destination: "10.0.0.3", Protocol: domain.UDP, Port: 9466, Expected: false, Result: true, LatencyMs: 0, Error: "connection refused"},
		{Timestamp: now, ReqID: "req-2", RuleID: "r3", Source: "10.0.0.5", Destination: "10.0.0.6", Protocol: domain.HTTP, Port: 80, Expected: true, Result: false, LatencyMs: 5.0},
	}
	for _, rec := range records {
		if err := sink.WriteTraffic(rec); err != nil {
			t.Fatalf("seed WriteTraffic failed: %v", err)
		}
	}

	return NewStore(db), func() { db.Close() }
}

func TestStore_TrafficByReqID(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()

	recs, err := s.Traffic("req-1", Filter{})
	if err != nil {
		t.Fatalf("Traffic failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records for req-1, got %d", len(recs))
	}
}

func TestStore_TrafficWithProtocolFilter(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()

	recs, err := s.Traffic("req-1", Filter{Protocol: domain.UDP})
	if err != nil {
		t.Fatalf("Traffic failed: %v", err)
	}
	if len(recs) != 1 || recs[0].RuleID != "r2" {
		t.Fatalf("expected 1 UDP record (r2), got %+v", recs)
	}
}

func TestStore_LatencyStats(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()

	avg, ok, err := s.GetLatencyStat("req-1", LatencyAvg, Filter{Protocol: domain.TCP})
	if err != nil {
		t.Fatalf("GetLatencyStat failed: %v", err)
	}
	if !ok || avg != 2.0 {
		t.Fatalf("expected avg latency 2.0, got %v (ok=%v)", avg, ok)
	}

	maxV, ok, err := s.GetLatencyStat("req-1", LatencyMax, Filter{Protocol: domain.TCP})
	if err != nil {
		t.Fatalf("GetLatencyStat (max) failed: %v", err)
	}
	if !ok || maxV != 3.0 {
		t.Fatalf("expected max latency 3.0, got %v", maxV)
	}
}

func TestStore_TrafficRecordsCount(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()

	count, err := s.TrafficRecordsCount("", Filter{})
	if err != nil {
		t.Fatalf("TrafficRecordsCount failed: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 total records, got %d", count)
	}
}

func TestStore_DeleteRecord(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()

	if err := s.DeleteRecord("req-2", Filter{}); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	count, err := s.TrafficRecordsCount("", Filter{})
	if err != nil {
		t.Fatalf("TrafficRecordsCount failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 records after delete, got %d", count)
	}
}
