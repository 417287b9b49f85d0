package workerconn

import "sync"

// Registry is a process-wide, concurrency-safe roster of live worker
// connections and their current state, used only by the debug HTTP
// surface (debugserver's /debug/workers) to render a point-in-time
// snapshot. It has no bearing on build semantics; the queuer and
// BuildController never consult it.
type Registry struct {
	mu    sync.Mutex
	state map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{state: make(map[string]string)}
}

func (r *Registry) set(name, state string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[name] = state
}

func (r *Registry) remove(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state, name)
}

// WorkerInfo is one roster row.
type WorkerInfo struct {
	Name  string
	State string
}

// Snapshot returns every tracked worker's name and last-known state, order
// unspecified.
func (r *Registry) Snapshot() []WorkerInfo {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerInfo, 0, len(r.state))
	for name, state := range r.state {
		out = append(out, WorkerInfo{Name: name, State: state})
	}
	return out
}

// Track registers m with reg so its state transitions are reflected in
// Snapshot, and immediately records its current (idle) state. Safe to
// call with a nil reg (no-op), so callers that don't care about debug
// visibility (tests) can skip it.
func (m *Machine) Track(reg *Registry) {
	m.registry = reg
	reg.set(m.workerName, m.state)
}
