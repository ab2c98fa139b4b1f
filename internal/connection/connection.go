// Package connection provides the stop-signal base embedded by every
// traffic client and server.
package connection

import "sync"

// Default server/client parameters shared across protocols.
const (
	MaxConns            = 20
	DefaultTCPServerPort = 5649
	DefaultUDPServerPort = 5648
	ClientPayload        = "Dunkirk!!"
	MaxPayloadSize       = 4096
)

// StopEvent is a level-triggered stop signal, analogous to a
// threading.Event: once Set, it stays set, and any number of goroutines
// can observe it via Stopped() or block on Done() until it fires.
type StopEvent struct {
	mu      sync.Mutex
	once    sync.Once
	ch      chan struct{}
	stopped bool
}

// NewStopEvent returns a StopEvent in the stopped state — connections
// start stopped until explicitly started, matching the teacher's base
// class invariant.
func NewStopEvent() *StopEvent {
	e := &StopEvent{ch: make(chan struct{})}
	e.set()
	return e
}

// Clear transitions the event to the running (not-stopped) state.
func (e *StopEvent) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		return
	}
	e.stopped = false
	e.ch = make(chan struct{})
	e.once = sync.Once{}
}

// Set transitions the event to the stopped state. Idempotent.
func (e *StopEvent) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set()
}

func (e *StopEvent) set() {
	e.stopped = true
	e.once.Do(func() { close(e.ch) })
}

// Stopped reports whether the event is currently set.
func (e *StopEvent) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Done returns a channel that is closed once Set is called, suitable for
// use in a select alongside socket I/O to unblock a blocked accept/recv.
func (e *StopEvent) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Base is embedded by every client/server connection type: it owns the
// stop signal and the verbose flag.
type Base struct {
	Verbose bool
	stop    *StopEvent
}

// NewBase returns a Base with a fresh, stopped StopEvent.
func NewBase(verbose bool) Base {
	return Base{Verbose: verbose, stop: NewStopEvent()}
}

func (b *Base) Stop()          { b.stop.Set() }
func (b *Base) Stopped() bool  { return b.stop.Stopped() }
func (b *Base) clearStopped()  { b.stop.Clear() }
func (b *Base) Done() <-chan struct{} { return b.stop.Done() }

// Start marks the connection as running. Protocol-specific Start
// implementations call this before opening their socket.
func (b *Base) Start() { b.clearStopped() }
