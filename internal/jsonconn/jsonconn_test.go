package jsonconn

import (
	"net"
	"reflect"
	"testing"
	"time"

	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/types"
)

// collector is a minimal eventloop.Machine that records every NewMessage
// and Eof it observes from a particular *Conn, so tests can assert on the
// framing behaviour without a full protocol-layer machine.
type collector struct {
	conn  *Conn
	msgs  chan types.Message
	eof   chan struct{}
	done  bool
}

func (c *collector) HandleEvent(loop *eventloop.Loop, source eventloop.EventSource, event eventloop.Event) {
	if source != c.conn {
		return
	}
	switch ev := event.(type) {
	case NewMessage:
		c.msgs <- ev.Msg
	case Eof:
		c.done = true
		close(c.eof)
	}
}

func (c *collector) Done() bool { return c.done }

func TestConn_SendAndReceiveRoundTrip(t *testing.T) {
	clientNet, serverNet := net.Pipe()
	defer clientNet.Close()
	defer serverNet.Close()

	server := Wrap(serverNet)
	loop := eventloop.New()
	col := &collector{conn: server, msgs: make(chan types.Message, 4), eof: make(chan struct{})}
	loop.AddMachine(col)
	go loop.Run()
	server.StartReading(loop)

	client := Wrap(clientNet)
	want := types.Message{Type: types.TypeBuildRequest, ID: "build-1", Repo: "repo", Ref: "master", Morphology: "foo.morph"}
	if err := client.Send(want); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	select {
	case got := <-col.msgs:
		if !reflect.DeepEqual(got, want) {
			t.Errorf("expected %+v, got %+v", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConn_CloseSignalsEof(t *testing.T) {
	clientNet, serverNet := net.Pipe()
	defer serverNet.Close()

	server := Wrap(serverNet)
	loop := eventloop.New()
	col := &collector{conn: server, msgs: make(chan types.Message, 1), eof: make(chan struct{})}
	loop.AddMachine(col)
	go loop.Run()
	server.StartReading(loop)

	clientNet.Close()

	select {
	case <-col.eof:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Eof")
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	_, serverNet := net.Pipe()
	c := Wrap(serverNet)
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error on first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("expected idempotent Close to not error, got %v", err)
	}
}
