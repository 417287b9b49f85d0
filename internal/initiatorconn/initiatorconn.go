// Package initiatorconn translates messages on one accepted initiator
// socket into BuildController instances and vice versa (spec §4.6's
// BuildController is created here), including the protocol_version
// rejection and original_ref bookkeeping original_source/distbuild's
// initiator_connection.py performs before graphing ever starts.
package initiatorconn

import (
	"log"

	"distbuildctl/internal/buildcontroller"
	"distbuildctl/internal/cacheclient"
	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/jsonconn"
	"distbuildctl/internal/types"
	"distbuildctl/internal/validation"
)

// SupportedProtocolVersion is the only protocol_version this controller
// accepts. A build-request naming any other version is rejected with
// build-failed before graphing starts.
const SupportedProtocolVersion = 1

// activeBuild tracks one BuildController this connection started, plus
// whether its build-request asked to survive this connection's
// disconnect (spec §4.6's allow_detach).
type activeBuild struct {
	bc          *buildcontroller.Machine
	allowDetach bool
}

// Machine is one InitiatorConnection: one accepted socket, zero or more
// concurrently active BuildControllers.
type Machine struct {
	conn  *jsonconn.Conn
	cache *cacheclient.Client

	active map[string]*activeBuild
	done   bool
}

// New wraps an accepted initiator socket.
func New(conn *jsonconn.Conn, cache *cacheclient.Client) *Machine {
	return &Machine{
		conn:   conn,
		cache:  cache,
		active: make(map[string]*activeBuild),
	}
}

// Start registers m with loop and begins reading the socket.
func (m *Machine) Start(loop *eventloop.Loop) {
	loop.AddMachine(m)
	m.conn.StartReading(loop)
}

// Done reports whether the initiator socket has closed.
func (m *Machine) Done() bool { return m.done }

// HandleEvent dispatches on concrete event type.
func (m *Machine) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	switch ev := event.(type) {
	case jsonconn.NewMessage:
		if source != eventloop.EventSource(m.conn) {
			return
		}
		m.handleMessage(loop, ev.Msg)

	case jsonconn.Eof:
		if source != eventloop.EventSource(m.conn) {
			return
		}
		m.handleDisconnect(loop)
	}
}

func (m *Machine) handleMessage(loop *eventloop.Loop, msg types.Message) {
	switch msg.Type {
	case types.TypeBuildRequest:
		m.handleBuildRequest(loop, msg)
	case "build-cancel":
		if ab, ok := m.active[msg.ID]; ok {
			loop.Post(eventloop.EventSource(ab.bc), buildcontroller.CancelRequest{})
			delete(m.active, msg.ID)
		}
	}
}

func (m *Machine) handleBuildRequest(loop *eventloop.Loop, msg types.Message) {
	log.Printf("initiatorconn: build-request %s repo=%s ref=%s original_ref=%s", msg.ID, msg.Repo, msg.Ref, msg.OriginalRef)

	if err := validation.ValidateBuildRequest(msg); err != nil {
		m.conn.Send(types.Message{
			Type:   types.TypeBuildFailed,
			ID:     msg.ID,
			Reason: err.Error(),
		})
		return
	}

	if msg.ProtocolVersion != SupportedProtocolVersion {
		m.conn.Send(types.Message{
			Type:   types.TypeBuildFailed,
			ID:     msg.ID,
			Reason: "unsupported protocol_version",
		})
		return
	}

	ref := msg.Ref
	originalRef := msg.OriginalRef
	if originalRef == "" {
		originalRef = ref
	}

	bc := buildcontroller.New(msg.ID, ref, originalRef, msg.ComponentNames, m.conn, m.cache)
	m.active[msg.ID] = &activeBuild{bc: bc, allowDetach: msg.AllowDetach}
	loop.AddMachine(bc)
	loop.Post(eventloop.EventSource(bc), buildcontroller.Start{})
}

// handleDisconnect cancels every active build this connection owns,
// except those whose build-request set allow_detach: per spec §4.6's
// transition table, InitiatorDisconnect only cancels "(ours, !detach)" —
// a detached build keeps running and is reported to no one, matching
// original_source/distbuild/build_controller.py's
// _maybe_notify_initiator_disconnected skipping the cancel when
// self.allow_detach is set ("Detaching from client; build continuing
// remotely").
func (m *Machine) handleDisconnect(loop *eventloop.Loop) {
	for id, ab := range m.active {
		if ab.allowDetach {
			log.Printf("initiatorconn: build-request %s detaching, build continuing remotely", id)
			delete(m.active, id)
			continue
		}
		loop.Post(eventloop.EventSource(ab.bc), buildcontroller.CancelRequest{})
		delete(m.active, id)
	}
	m.done = true
}
