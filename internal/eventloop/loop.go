// Package eventloop provides the event-driven runtime every other
// component in this controller is built on: a single dispatching goroutine
// that drains a FIFO queue of (source, event) pairs into a set of state
// machines, exactly as described in spec §4.1.
//
// The original (distbuild/mainloop.py) multiplexes non-blocking sockets
// with select(). Go has cheap goroutines and blocking I/O, so instead each
// connection owns a goroutine doing blocking reads, and that goroutine
// calls Loop.Post to hand events to the single dispatching goroutine. This
// is the substitution spec §9 explicitly sanctions ("Cooperative loop vs
// native concurrency ... Either is acceptable provided the ordering
// guarantees in §5 hold") — events are still drained strictly FIFO by one
// goroutine, and no transition ever runs concurrently with another.
package eventloop

import "sync"

// Event is any value a state machine can receive or emit. Concrete event
// types are plain structs; dispatch is by (state, source, reflect.Type).
type Event any

// EventSource identifies who an event came from. Two kinds are used across
// this codebase: object identity (a specific *jsonconn.Conn, to mean "this
// one connection"), and nil, meaning "any source" — used by components
// that watch a shared bus of events and filter by an id embedded in the
// event itself, matching spec §9's "model source as object identity ...
// or class tag" note.
type EventSource any

// Machine is a state machine the Loop drives. HandleEvent is called once
// per matching (state, source, event-type) transition; it may call
// loop.Post to enqueue further events (typically with itself as source).
// Once Done reports true the Loop removes the machine.
type Machine interface {
	HandleEvent(loop *Loop, source EventSource, event Event)
	Done() bool
}

type envelope struct {
	source EventSource
	event  Event
}

// Loop is the single-threaded dispatcher. All exported methods are safe to
// call from any goroutine; only Run's own goroutine ever executes
// Machine.HandleEvent.
type Loop struct {
	queueMu  sync.Mutex
	queue    []envelope
	notify   chan struct{}
	machines []Machine
	macMu    sync.Mutex
}

// New creates an empty Loop.
func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
	}
}

// Post enqueues an event for processing. Safe to call from any goroutine,
// including from inside a Machine.HandleEvent callback (in which case it
// simply appends to the tail of the queue the Run loop is draining).
func (l *Loop) Post(source EventSource, event Event) {
	l.queueMu.Lock()
	l.queue = append(l.queue, envelope{source: source, event: event})
	l.queueMu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// AddMachine registers m with the loop. Safe to call from any goroutine.
func (l *Loop) AddMachine(m Machine) {
	l.macMu.Lock()
	l.machines = append(l.machines, m)
	l.macMu.Unlock()
}

func (l *Loop) removeMachine(m Machine) {
	l.macMu.Lock()
	defer l.macMu.Unlock()
	for i, cur := range l.machines {
		if cur == m {
			l.machines = append(l.machines[:i], l.machines[i+1:]...)
			return
		}
	}
}

func (l *Loop) machineSnapshot() []Machine {
	l.macMu.Lock()
	defer l.macMu.Unlock()
	out := make([]Machine, len(l.machines))
	copy(out, l.machines)
	return out
}

// MachineCount returns the number of live machines. The Loop terminates
// when it reaches zero, matching spec §4.1 ("The loop ends when no
// machines remain").
func (l *Loop) MachineCount() int {
	l.macMu.Lock()
	defer l.macMu.Unlock()
	return len(l.machines)
}

func (l *Loop) dequeue() (envelope, bool) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.queue) == 0 {
		return envelope{}, false
	}
	env := l.queue[0]
	l.queue = l.queue[1:]
	return env, true
}

// Run drains the event queue until no machines remain. It blocks when the
// queue is empty, waking on Post.
func (l *Loop) Run() {
	for l.MachineCount() > 0 {
		env, ok := l.dequeue()
		if !ok {
			<-l.notify
			continue
		}
		for _, m := range l.machineSnapshot() {
			m.HandleEvent(l, env.source, env.event)
			if m.Done() {
				l.removeMachine(m)
			}
		}
	}
}
