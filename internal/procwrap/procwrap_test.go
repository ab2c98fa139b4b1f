package procwrap

import (
	"testing"
	"time"
)

func TestSupervisor_StartStop(t *testing.T) {
	s := NewSupervisor("sleep")

	id, err := s.Start([]string{"5"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning(id) {
		t.Fatalf("expected job %s to be running", id)
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected 1 tracked job, got %d", len(s.List()))
	}

	if err := s.Stop(id); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.IsRunning(id) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.IsRunning(id) {
		t.Fatalf("expected job %s to be stopped", id)
	}
}

func TestSupervisor_StopUnknownJobIsNoop(t *testing.T) {
	s := NewSupervisor("sleep")
	if err := s.Stop("no-such-job"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
