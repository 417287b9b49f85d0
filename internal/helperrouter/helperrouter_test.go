package helperrouter

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/jsonconn"
	"distbuildctl/internal/types"
)

// fakeHelper wraps one end of a net.Pipe as a helper connection, draining
// whatever the router sends it into a channel so Router.dispatch's
// synchronous Send never blocks on an unread pipe.
type fakeHelper struct {
	conn     *jsonconn.Conn
	received chan types.Message
}

func newFakeHelper(t *testing.T) (*fakeHelper, func()) {
	t.Helper()
	routerSide, helperSide := net.Pipe()
	fh := &fakeHelper{conn: jsonconn.Wrap(routerSide), received: make(chan types.Message, 8)}

	go func() {
		buf := make([]byte, 64*1024)
		var partial []byte
		for {
			n, err := helperSide.Read(buf)
			if err != nil {
				return
			}
			partial = append(partial, buf[:n]...)
			for {
				idx := indexByte(partial, '\n')
				if idx < 0 {
					break
				}
				line := partial[:idx]
				partial = partial[idx+1:]
				if len(line) == 0 {
					continue
				}
				var msg types.Message
				if err := json.Unmarshal(line, &msg); err == nil {
					fh.received <- msg
				}
			}
		}
	}()

	return fh, func() { routerSide.Close(); helperSide.Close() }
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// recorder collects every nil-source event posted to the bus.
type recorder struct {
	mu     sync.Mutex
	events []eventloop.Event
}

func (r *recorder) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) Done() bool { return false }

func (r *recorder) snapshot() []eventloop.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventloop.Event, len(r.events))
	copy(out, r.events)
	return out
}

func newHarness() (*eventloop.Loop, *Router, *recorder) {
	loop := eventloop.New()
	router := New()
	rec := &recorder{}
	loop.AddMachine(router)
	loop.AddMachine(rec)
	go loop.Run()
	return loop, router, rec
}

func settle() { time.Sleep(50 * time.Millisecond) }

func TestDispatch_RoutesRequestToReadyHelper(t *testing.T) {
	loop, _, _ := newHarness()
	fh, cleanup := newFakeHelper(t)
	defer cleanup()

	loop.Post(nil, HelperConnected{Conn: fh.conn})
	settle()
	loop.Post(fh.conn, jsonconn.NewMessage{Msg: types.Message{Type: types.TypeHelperReady}})
	settle()

	loop.Post(nil, HelperRequest{CallerID: "caller-1", Msg: types.Message{Type: types.TypeExecRequest, Argv: []string{"true"}}})

	select {
	case msg := <-fh.received:
		if msg.Type != types.TypeExecRequest {
			t.Errorf("expected exec-request forwarded to helper, got %+v", msg)
		}
		if msg.ID == "" {
			t.Error("expected router to assign an internal request id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for helper to receive the request")
	}
}

func TestDispatch_UnreadyHelperNeverReceivesWork(t *testing.T) {
	loop, _, _ := newHarness()
	fh, cleanup := newFakeHelper(t)
	defer cleanup()

	loop.Post(nil, HelperConnected{Conn: fh.conn})
	settle()

	loop.Post(nil, HelperRequest{CallerID: "caller-1", Msg: types.Message{Type: types.TypeExecRequest}})
	settle()

	select {
	case msg := <-fh.received:
		t.Fatalf("expected no message sent to a not-yet-ready helper, got %+v", msg)
	default:
	}
}

func TestExecResponse_ProducesHelperResultAndFreesHelper(t *testing.T) {
	loop, _, rec := newHarness()
	fh, cleanup := newFakeHelper(t)
	defer cleanup()

	loop.Post(nil, HelperConnected{Conn: fh.conn})
	settle()
	loop.Post(fh.conn, jsonconn.NewMessage{Msg: types.Message{Type: types.TypeHelperReady}})
	settle()
	loop.Post(nil, HelperRequest{CallerID: "caller-1", Msg: types.Message{Type: types.TypeExecRequest}})

	var forwarded types.Message
	select {
	case forwarded = <-fh.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded request")
	}

	loop.Post(fh.conn, jsonconn.NewMessage{Msg: types.Message{
		Type: types.TypeExecResponse, ID: forwarded.ID, Exit: types.IntPtr(0),
	}})
	settle()

	var result *HelperResult
	for _, e := range rec.snapshot() {
		if r, ok := e.(HelperResult); ok {
			result = &r
		}
	}
	if result == nil {
		t.Fatalf("expected a HelperResult event, got %+v", rec.snapshot())
	}
	if result.CallerID != "caller-1" {
		t.Errorf("expected caller-1, got %s", result.CallerID)
	}
	if result.Lost {
		t.Error("expected Lost=false for a normal completion")
	}

	// The helper should now be available for a second request.
	loop.Post(nil, HelperRequest{CallerID: "caller-2", Msg: types.Message{Type: types.TypeExecRequest}})
	select {
	case msg := <-fh.received:
		if msg.Type != types.TypeExecRequest {
			t.Errorf("expected exec-request, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for helper to be reused after finishing its first request")
	}
}

// TestHelperLost_MidRequestRetriesOnAnotherHelper exercises spec §7/§8's
// "every running request it owned is returned to the pending queue to be
// retried on another helper" / "the initiator sees no gap beyond latency":
// a helper that disconnects mid-request must not fail the caller outright;
// the request is re-enqueued and reassigned to the next ready helper.
func TestHelperLost_MidRequestRetriesOnAnotherHelper(t *testing.T) {
	loop, _, rec := newHarness()
	lost, cleanupLost := newFakeHelper(t)
	defer cleanupLost()
	backup, cleanupBackup := newFakeHelper(t)
	defer cleanupBackup()

	loop.Post(nil, HelperConnected{Conn: lost.conn})
	settle()
	loop.Post(lost.conn, jsonconn.NewMessage{Msg: types.Message{Type: types.TypeHelperReady}})
	settle()
	loop.Post(nil, HelperRequest{CallerID: "caller-1", Msg: types.Message{Type: types.TypeExecRequest, Argv: []string{"true"}}})

	select {
	case <-lost.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first helper to receive the request")
	}

	// A second helper becomes ready only after the first has already
	// taken the request, so it's sitting idle in pendingHelpers when the
	// first is lost.
	loop.Post(nil, HelperConnected{Conn: backup.conn})
	settle()
	loop.Post(backup.conn, jsonconn.NewMessage{Msg: types.Message{Type: types.TypeHelperReady}})
	settle()

	loop.Post(lost.conn, jsonconn.Eof{})

	var retried types.Message
	select {
	case retried = <-backup.received:
		if retried.Type != types.TypeExecRequest {
			t.Errorf("expected the retried exec-request, got %+v", retried)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the backup helper to receive the retried request")
	}

	loop.Post(backup.conn, jsonconn.NewMessage{Msg: types.Message{
		Type: types.TypeExecResponse, ID: retried.ID, Exit: types.IntPtr(0),
	}})
	settle()

	for _, e := range rec.snapshot() {
		if r, ok := e.(HelperResult); ok && r.Lost {
			t.Errorf("expected no Lost=true HelperResult to reach the caller on ordinary helper loss, got %+v", r)
		}
	}
}
