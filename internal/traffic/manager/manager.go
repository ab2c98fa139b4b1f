// Package manager implements the two traffic task registries (§4.4):
// ClientManager (1:1 with a rule) and ServerManager (1:N, shared by
// protocol/port/target).
package manager

import (
	"fmt"
	"sync"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/traffic/task"
)

// ClientManager keys tasks by ruleid: one client per rule.
type ClientManager struct {
	queue task.RecordQueue

	mu    sync.RWMutex
	tasks map[string]*task.ClientTask
}

func NewClientManager(queue task.RecordQueue) *ClientManager {
	return &ClientManager{queue: queue, tasks: make(map[string]*task.ClientTask)}
}

// AddTask creates (and, if the rule is ACTIVE, starts) a client task.
// A duplicate add for the same ruleid is a logged no-op, matching §4.4.
func (m *ClientManager) AddTask(rule domain.TrafficRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[rule.RuleID]; exists {
		logging.Op().Warn("client task already running", "ruleid", rule.RuleID)
		return nil
	}

	t, err := task.NewClientTask(rule, m.queue)
	if err != nil {
		return err
	}
	if rule.Enabled() {
		t.Start(false)
	}
	m.tasks[rule.RuleID] = t
	return nil
}

func (m *ClientManager) Start(ruleID string) {
	m.mu.RLock()
	t, ok := m.tasks[ruleID]
	m.mu.RUnlock()
	if ok {
		t.Start(false)
	}
}

func (m *ClientManager) Stop(ruleID string) {
	m.mu.RLock()
	t, ok := m.tasks[ruleID]
	m.mu.RUnlock()
	if ok {
		t.Stop()
	}
}

// Remove stops and discards the task for ruleID (used by unregister).
func (m *ClientManager) Remove(ruleID string) {
	m.mu.Lock()
	t, ok := m.tasks[ruleID]
	delete(m.tasks, ruleID)
	m.mu.Unlock()
	if ok {
		t.Close()
	}
}

// Close stops and discards every client task, deterministically.
func (m *ClientManager) Close() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = make(map[string]*task.ClientTask)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *task.ClientTask) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()
}

func (m *ClientManager) NumTasks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// serverKey identifies a shared server by target name, protocol, and port.
type serverKey struct {
	target   string
	protocol domain.Protocol
	port     int
}

func keyFor(rule domain.TrafficRule) (serverKey, error) {
	if rule.DstTarget == nil {
		return serverKey{}, fmt.Errorf("rule %s: no dst target", rule.RuleID)
	}
	return serverKey{target: rule.DstTarget.Name, protocol: rule.Protocol, port: rule.Port}, nil
}

// ServerManager keys tasks by (target, protocol, port): many rules may
// share one server. Servers are not stopped when individual client rules
// stop; they persist until Close or an explicit shutdown.
type ServerManager struct {
	mu    sync.RWMutex
	tasks map[serverKey]*task.ServerTask
	refs  map[serverKey]int
}

func NewServerManager() *ServerManager {
	return &ServerManager{tasks: make(map[serverKey]*task.ServerTask), refs: make(map[serverKey]int)}
}

// AddTask starts the shared server for rule's key if not already running.
// Adding to an existing key is a no-op success.
func (m *ServerManager) AddTask(rule domain.TrafficRule) error {
	key, err := keyFor(rule)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.tasks[key]; exists {
		m.refs[key]++
		_ = t
		return nil
	}

	t, err := task.NewServerTask(rule)
	if err != nil {
		return err
	}
	if rule.Enabled() {
		t.Start(false)
	}
	m.tasks[key] = t
	m.refs[key] = 1
	return nil
}

// Release decrements rule's reference count on its shared server. Per
// §9's open-question decision, this does not stop the server — servers
// persist until Close() or explicit shutdown, never reference-counted.
func (m *ServerManager) Release(rule domain.TrafficRule) {
	key, err := keyFor(rule)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[key] > 0 {
		m.refs[key]--
	}
}

// Close stops and discards every server task, deterministically.
func (m *ServerManager) Close() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = make(map[serverKey]*task.ServerTask)
	m.refs = make(map[serverKey]int)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *task.ServerTask) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()
}

func (m *ServerManager) NumTasks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}
