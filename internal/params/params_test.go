package params

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.db")
	s, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Defaults(t *testing.T) {
	s := openTestStore(t)
	if v := s.GetParam("LYDIAN_PORT", nil); v != 5649 {
		t.Fatalf("expected default LYDIAN_PORT 5649, got %v", v)
	}
	if v := s.GetParam("TRAFFIC_START_SERVERS_FIRST", nil); v != true {
		t.Fatalf("expected default TRAFFIC_START_SERVERS_FIRST true, got %v", v)
	}
}

func TestStore_SetAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetParam("THREADS_JOIN_TIMEOUT", 10, true); err != nil {
		t.Fatalf("SetParam failed: %v", err)
	}
	if v := s.GetParam("THREADS_JOIN_TIMEOUT", nil); v != 10 {
		t.Fatalf("expected 10, got %v", v)
	}

	// Idempotent: setting the same value again is observably a no-op.
	if err := s.SetParam("THREADS_JOIN_TIMEOUT", 10, true); err != nil {
		t.Fatalf("SetParam (repeat) failed: %v", err)
	}
	if v := s.GetParam("THREADS_JOIN_TIMEOUT", nil); v != 10 {
		t.Fatalf("expected 10 after repeat set, got %v", v)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.db")

	s1, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s1.SetParam("NODE_PREP_MAX_THREAD", 64, true); err != nil {
		t.Fatalf("SetParam failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path, "")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if v := s2.GetParam("NODE_PREP_MAX_THREAD", nil); v != 64 {
		t.Fatalf("expected persisted value 64, got %v", v)
	}
}

func TestStore_ConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "lydian.conf")
	contents := "# comment\nLYDIAN_PORT = 7000\nTRAFFIC_START_SERVERS_FIRST = \"False\"\nENDPOINT_USERNAME = 'admin'\n"
	if err := os.WriteFile(cfgPath, []byte(contents), 0644); err != nil {
		t.Fatalf("write config file failed: %v", err)
	}

	s, err := Open(filepath.Join(dir, "params.db"), cfgPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if v := s.GetParam("LYDIAN_PORT", nil); v != 7000 {
		t.Fatalf("expected config file override 7000, got %v", v)
	}
	if v := s.GetParam("TRAFFIC_START_SERVERS_FIRST", nil); v != false {
		t.Fatalf("expected config file override false, got %v", v)
	}
	if v := s.GetParam("ENDPOINT_USERNAME", nil); v != "admin" {
		t.Fatalf("expected config file override admin, got %v", v)
	}
}

func TestStore_SubscriberNotified(t *testing.T) {
	s := openTestStore(t)

	var notifiedParam string
	var notifiedVal interface{}
	s.Subscribe([]string{"LYDIAN_PORT"}, func(param string, val interface{}) {
		notifiedParam = param
		notifiedVal = val
	})

	if err := s.SetParam("LYDIAN_PORT", 9999, true); err != nil {
		t.Fatalf("SetParam failed: %v", err)
	}
	if notifiedParam != "LYDIAN_PORT" || notifiedVal != 9999 {
		t.Fatalf("expected subscriber notified with (LYDIAN_PORT, 9999), got (%s, %v)", notifiedParam, notifiedVal)
	}
}
