package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
)

func TestSQLiteSink_WriteTraffic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.db")
	db, err := OpenTrafficDB(path)
	if err != nil {
		t.Fatalf("OpenTrafficDB failed: %v", err)
	}
	defer db.Close()

	sink := NewSQLiteSink(db, func() bool { return true })
	rec := domain.TrafficRecord{
		Timestamp: time.Now(), ReqID: "req-1", RuleID: "r1",
		Source: "127.0.0.1", Destination: "127.0.0.1", Protocol: domain.TCP, Port: 9465,
		Expected: true, Result: true, LatencyMs: 1.23,
	}
	if err := sink.WriteTraffic(rec); err != nil {
		t.Fatalf("WriteTraffic failed: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM traffic WHERE ruleid = ?`, "r1").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestSQLiteSink_DisabledReportsNotEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.db")
	db, err := OpenTrafficDB(path)
	if err != nil {
		t.Fatalf("OpenTrafficDB failed: %v", err)
	}
	defer db.Close()

	sink := NewSQLiteSink(db, func() bool { return false })
	if sink.Enabled() {
		t.Fatalf("expected sink to report disabled")
	}
}
