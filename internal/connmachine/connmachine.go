// Package connmachine implements an outbound connect-with-reconnect state
// machine (spec §4.9), used by the controller to dial worker addresses
// that were configured rather than accepted as incoming connections.
package connmachine

import (
	"fmt"
	"net"
	"time"

	"distbuildctl/internal/eventloop"
)

// Factory hands a freshly connected socket to whatever protocol layer owns
// it (e.g. wrap it in jsonconn and add a WorkerConnection machine to loop).
// owner is this ConnectionMachine itself, so the protocol layer can post
// Reconnect back to it on EOF.
type Factory func(loop *eventloop.Loop, conn net.Conn, owner *Machine)

// Reconnect tells the machine to drop its current connection (if any) and
// start dialing again. Posted by a downstream machine (e.g. WorkerConnection
// on JsonEof) with the owning *Machine as source.
type Reconnect struct{}

// StopConnecting cancels any pending retry timer and terminates the
// machine without reconnecting.
type StopConnecting struct{}

type dialSucceeded struct{ conn net.Conn }
type dialFailed struct{ err error }
type timerFired struct{}

const (
	stateConnecting = "connecting"
	stateConnected  = "connected"
	stateTimeout    = "timeout"
)

// Machine is one outbound-connect-with-reconnect state machine for one
// configured address.
type Machine struct {
	*eventloop.StateMachine

	addr     string
	interval time.Duration
	factory  Factory
	dial     func(addr string) (net.Conn, error)

	conn  net.Conn
	timer *time.Timer
}

// New creates a ConnectionMachine dialing host:port, retrying every
// interval on failure, handing successful connections to factory.
func New(host string, port int, interval time.Duration, factory Factory) *Machine {
	m := &Machine{
		StateMachine: eventloop.NewStateMachine(stateConnecting),
		addr:         fmt.Sprintf("%s:%d", host, port),
		interval:     interval,
		factory:      factory,
		dial:         func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) },
	}
	m.setupTransitions()
	return m
}

func (m *Machine) setupTransitions() {
	m.AddTransitions([]eventloop.Spec{
		{State: stateConnecting, Source: m, EventSample: dialSucceeded{}, NewState: stateConnected, Callback: m.onConnected},
		{State: stateConnecting, Source: m, EventSample: dialFailed{}, NewState: stateTimeout, Callback: m.onDialFailed},
		{State: stateTimeout, Source: m, EventSample: timerFired{}, NewState: stateConnecting, Callback: m.onRetry},
		{State: stateConnected, Source: m, EventSample: Reconnect{}, NewState: stateConnecting, Callback: m.onReconnect},
		{State: stateConnecting, Source: m, EventSample: StopConnecting{}, NewState: "", Callback: nil},
		{State: stateTimeout, Source: m, EventSample: StopConnecting{}, NewState: "", Callback: m.onStopTimer},
		{State: stateConnected, Source: m, EventSample: StopConnecting{}, NewState: "", Callback: m.onStopConnected},
	})
}

// Start begins the first dial attempt and registers m with loop.
func (m *Machine) Start(loop *eventloop.Loop) {
	loop.AddMachine(m)
	go m.attemptDial(loop)
}

func (m *Machine) attemptDial(loop *eventloop.Loop) {
	conn, err := m.dial(m.addr)
	if err != nil {
		loop.Post(m, dialFailed{err: err})
		return
	}
	loop.Post(m, dialSucceeded{conn: conn})
}

func (m *Machine) onConnected(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	ev := event.(dialSucceeded)
	m.conn = ev.conn
	m.factory(loop, ev.conn, m)
}

func (m *Machine) onDialFailed(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	m.timer = time.AfterFunc(m.interval, func() {
		loop.Post(m, timerFired{})
	})
}

func (m *Machine) onRetry(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	m.timer = nil
	go m.attemptDial(loop)
}

func (m *Machine) onReconnect(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	go m.attemptDial(loop)
}

func (m *Machine) onStopTimer(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) onStopConnected(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
