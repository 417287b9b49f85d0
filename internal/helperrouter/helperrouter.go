// Package helperrouter implements the HelperRouter singleton from spec
// §4.5: it matches pending exec-request/http-request work against a pool
// of connected, ready helpers, and routes each helper's output and final
// result back to whichever caller originated the request.
//
// Grounded 1:1 on original_source/distbuild/helper_router.py. Unlike the
// original's single-threaded dispatch function, Router is driven purely
// by events posted to an eventloop.Loop and is itself an eventloop.Machine
// with Done always false: the router lives for the lifetime of the
// controller process, not until some terminal state is reached, so the
// process exits via signal handling in cmd/controller rather than by the
// Loop's machine count reaching zero. That's an intentional, ordinary
// distinction between a long-lived server and the strictly request-scoped
// machines (BuildController, WorkerConnection) in their own packages.
package helperrouter

import (
	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/idgen"
	"distbuildctl/internal/jsonconn"
	"distbuildctl/internal/routemap"
	"distbuildctl/internal/types"
)

// HelperRequest is posted (source nil, the router watches the whole bus)
// by any component that needs a helper to execute something. CallerID is
// the id the caller will use to recognise HelperOutput/HelperResult events
// meant for it; Msg is the exec-request or http-request to forward, with
// Msg.ID ignored and overwritten by the router.
type HelperRequest struct {
	CallerID string
	Msg      types.Message
}

// HelperConnected registers a freshly accepted helper socket. It is not
// eligible for work until it announces helper-ready (spec SPEC_FULL.md
// §C.3): a connected-but-silent helper is never assigned a request.
type HelperConnected struct {
	Conn *jsonconn.Conn
}

// HelperOutput is posted to the bus (source nil) whenever a helper streams
// exec-output for a request. Callers watch for their own CallerID.
type HelperOutput struct {
	CallerID string
	Stdout   string
	Stderr   string
}

// HelperResult is posted once a helper's exec-response or http-response
// arrives. Router never sets Lost: helper loss is invisible to the caller,
// since handleHelperLost re-enqueues the request, which then waits for the
// next ready helper, however long that takes.
type HelperResult struct {
	CallerID string
	Msg      types.Message
	Lost     bool
}

type runningEntry struct {
	callerID string
	helper   *jsonconn.Conn
	msg      types.Message
}

// Router is the helper pool and pending/running request bookkeeping.
// Every field is touched only from the Loop goroutine (via HandleEvent),
// so it needs no internal locking.
type Router struct {
	ids    *idgen.Generator
	routes *routemap.RouteMap

	pendingRequests []types.Message
	runningByID     map[string]*runningEntry
	pendingHelpers  []*jsonconn.Conn
	readyHelpers    map[*jsonconn.Conn]bool
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		ids:         idgen.New("helper-req"),
		routes:      routemap.New(),
		runningByID: make(map[string]*runningEntry),
		readyHelpers: make(map[*jsonconn.Conn]bool),
	}
}

// Done never reports true; see the package doc.
func (r *Router) Done() bool { return false }

// HandleEvent dispatches on the concrete event type. The router isn't
// modelled as a (state, event) transition table because it doesn't really
// have states distinct from its queues, matching spec §9's note that a
// tagged variant with a single dispatch site is sometimes clearer than
// forcing everything through StateMachine.
func (r *Router) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	switch ev := event.(type) {
	case HelperConnected:
		r.readyHelpers[ev.Conn] = false

	case HelperRequest:
		internalID := r.ids.Next()
		r.routes.Add(ev.CallerID, internalID)
		msg := ev.Msg
		msg.ID = internalID
		r.pendingRequests = append(r.pendingRequests, msg)
		r.dispatch(loop)

	case jsonconn.NewMessage:
		conn, ok := source.(*jsonconn.Conn)
		if !ok {
			return
		}
		r.handleHelperMessage(loop, conn, ev.Msg)

	case jsonconn.Eof:
		conn, ok := source.(*jsonconn.Conn)
		if !ok {
			return
		}
		r.handleHelperLost(loop, conn)
	}
}

func (r *Router) handleHelperMessage(loop *eventloop.Loop, conn *jsonconn.Conn, msg types.Message) {
	if _, known := r.readyHelpers[conn]; !known {
		return
	}

	switch msg.Type {
	case types.TypeHelperReady:
		r.readyHelpers[conn] = true
		r.pendingHelpers = append(r.pendingHelpers, conn)
		r.dispatch(loop)

	case types.TypeExecOutput:
		entry, ok := r.runningByID[msg.ID]
		if !ok {
			return
		}
		loop.Post(nil, HelperOutput{CallerID: entry.callerID, Stdout: msg.Stdout, Stderr: msg.Stderr})

	case types.TypeExecResponse, types.TypeHTTPResponse:
		entry, ok := r.runningByID[msg.ID]
		if !ok {
			return
		}
		delete(r.runningByID, msg.ID)
		r.routes.Remove(msg.ID)
		loop.Post(nil, HelperResult{CallerID: entry.callerID, Msg: msg})
		r.requeueHelperIfReady(conn)
		r.dispatch(loop)
	}
}

func (r *Router) requeueHelperIfReady(conn *jsonconn.Conn) {
	if ready, ok := r.readyHelpers[conn]; ok && ready {
		r.pendingHelpers = append(r.pendingHelpers, conn)
	}
}

// handleHelperLost tears down a disconnected helper and, per the original
// helper_router.py's _close handler (self._enqueue_request(request) for
// every request that helper was running), returns every request it owned
// to the pending queue under a freshly minted id so dispatch retries it on
// another helper. Lost is never surfaced to the caller for this: the
// caller sees only the latency of the retry, per spec §7/§8.
func (r *Router) handleHelperLost(loop *eventloop.Loop, conn *jsonconn.Conn) {
	if _, known := r.readyHelpers[conn]; !known {
		return
	}
	delete(r.readyHelpers, conn)
	r.pendingHelpers = removeConn(r.pendingHelpers, conn)

	for id, entry := range r.runningByID {
		if entry.helper != conn {
			continue
		}
		delete(r.runningByID, id)
		r.routes.Remove(id)

		newID := r.ids.Next()
		r.routes.Add(entry.callerID, newID)
		msg := entry.msg
		msg.ID = newID
		r.pendingRequests = append(r.pendingRequests, msg)
	}
	r.dispatch(loop)
}

func removeConn(list []*jsonconn.Conn, target *jsonconn.Conn) []*jsonconn.Conn {
	out := list[:0]
	for _, c := range list {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// dispatch assigns pending requests to idle ready helpers, front of each
// queue first, until either queue is exhausted.
func (r *Router) dispatch(loop *eventloop.Loop) {
	for len(r.pendingRequests) > 0 && len(r.pendingHelpers) > 0 {
		req := r.pendingRequests[0]
		r.pendingRequests = r.pendingRequests[1:]
		helper := r.pendingHelpers[0]
		r.pendingHelpers = r.pendingHelpers[1:]

		callerID, err := r.routes.GetIncoming(req.ID)
		if err != nil {
			continue
		}
		r.runningByID[req.ID] = &runningEntry{callerID: callerID, helper: helper, msg: req}
		helper.Send(req)
	}
}
