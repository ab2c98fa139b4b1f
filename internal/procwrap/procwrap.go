// Package procwrap implements the thin subprocess supervisors behind the
// pcap and iperf RPC namespaces (§6): start/stop/track one external
// process per job, with no protocol parsing of its own.
package procwrap

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/lydian-project/lydian/internal/logging"
)

// Supervisor tracks running instances of a single external binary,
// identified by a monotonically increasing job ID.
type Supervisor struct {
	binary string

	nextID int64
	mu     sync.Mutex
	jobs   map[string]*exec.Cmd
}

// NewSupervisor builds a Supervisor that launches binary (resolved via
// PATH, e.g. "tcpdump" or "iperf3").
func NewSupervisor(binary string) *Supervisor {
	return &Supervisor{binary: binary, jobs: make(map[string]*exec.Cmd)}
}

// Start launches the binary with args and returns a job ID the caller
// later passes to Stop. The process's stdout/stderr are discarded; this
// supervisor only tracks liveness, not output.
func (s *Supervisor) Start(args []string) (string, error) {
	cmd := exec.Command(s.binary, args...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", s.binary, err)
	}

	id := fmt.Sprintf("%s-%d", s.binary, atomic.AddInt64(&s.nextID, 1))

	s.mu.Lock()
	s.jobs[id] = cmd
	s.mu.Unlock()

	go func() {
		if err := cmd.Wait(); err != nil {
			logging.Op().Warn("subprocess exited", "job", id, "error", err)
		}
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
	}()

	return id, nil
}

// Stop kills the process for jobID. A no-op if the job is unknown or
// already exited.
func (s *Supervisor) Stop(jobID string) error {
	s.mu.Lock()
	cmd, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// IsRunning reports whether jobID is currently tracked as running.
func (s *Supervisor) IsRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// List returns the job IDs currently tracked as running.
func (s *Supervisor) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}
