package eventloop

import "reflect"

// Callback runs when a transition fires. It may call loop.Post to enqueue
// further events.
type Callback func(loop *Loop, source EventSource, event Event)

type transitionKey struct {
	state     string
	source    EventSource
	eventType reflect.Type
}

type transition struct {
	newState string
	callback Callback
}

// StateMachine is a reusable (state, source, event-type) -> (new state,
// callback) transition table, matching distbuild/mainloop/sm.py. Embed it
// in a concrete machine type and call AddTransition during setup.
//
// A transition registered with a nil source is a wildcard: it matches an
// event of the right type from any source, once no exact-source
// transition matches. This is the Go expression of spec §9's note that
// "source" is sometimes an object identity (a specific connection) and
// sometimes a class tag (any instance of a kind) — callbacks that accept
// events from any source are expected to filter further by an id embedded
// in the event.
type StateMachine struct {
	State       string
	transitions map[transitionKey]transition
}

// NewStateMachine creates a machine starting in initialState.
func NewStateMachine(initialState string) *StateMachine {
	return &StateMachine{
		State:       initialState,
		transitions: make(map[transitionKey]transition),
	}
}

// AddTransition registers one transition. eventSample is a zero value of
// the event type this transition matches (only its type is used).
func (sm *StateMachine) AddTransition(state string, source EventSource, eventSample Event, newState string, cb Callback) {
	key := transitionKey{state: state, source: source, eventType: reflect.TypeOf(eventSample)}
	if _, exists := sm.transitions[key]; exists {
		panic("eventloop: duplicate transition registered for " + state)
	}
	sm.transitions[key] = transition{newState: newState, callback: cb}
}

// AddTransitions registers several transitions via Spec tuples, mirroring
// sm.py's add_transitions.
type Spec struct {
	State      string
	Source     EventSource
	EventSample Event
	NewState   string
	Callback   Callback
}

func (sm *StateMachine) AddTransitions(specs []Spec) {
	for _, s := range specs {
		sm.AddTransition(s.State, s.Source, s.EventSample, s.NewState, s.Callback)
	}
}

// HandleEvent looks up the transition for (sm.State, source,
// reflect.TypeOf(event)), falling back to the wildcard-source transition
// for the same (state, event type) if no exact-source one exists. If
// found, it updates State and runs the callback. If not found, the event
// is silently not relevant to this machine (matching sm.py's behaviour).
func (sm *StateMachine) HandleEvent(loop *Loop, source EventSource, event Event) {
	t := reflect.TypeOf(event)
	key := transitionKey{state: sm.State, source: source, eventType: t}
	if tr, ok := sm.transitions[key]; ok {
		sm.fire(loop, source, event, tr)
		return
	}
	wildcard := transitionKey{state: sm.State, source: nil, eventType: t}
	if tr, ok := sm.transitions[wildcard]; ok {
		sm.fire(loop, source, event, tr)
		return
	}
}

func (sm *StateMachine) fire(loop *Loop, source EventSource, event Event, tr transition) {
	sm.State = tr.newState
	if tr.callback != nil {
		tr.callback(loop, source, event)
	}
}

// Done reports whether this machine has reached its terminal state ("").
// Concrete machines should set sm.State = "" on completion.
func (sm *StateMachine) Done() bool {
	return sm.State == ""
}
