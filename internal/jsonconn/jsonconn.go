// Package jsonconn frames one JSON object per line over a TCP connection,
// the wire format spec §4.3/§6 requires (distbuild/jm.py's JsonMachine,
// with distbuild/sockbuf.py's buffering folded in — see DESIGN.md for why).
//
// Unlike the original's non-blocking state machine, a Conn here runs one
// goroutine doing blocking reads, posting NewMessage/Eof events to an
// eventloop.Loop with itself as the event source. Writes are synchronous
// and serialized by a mutex; since the wire protocol is low-volume JSON
// (spec §5, "Resource policy"), no separate write-buffering state machine
// is needed — a blocking write under a mutex gives the same "every send is
// eventually flushed, in order" guarantee the original's write buffer did.
package jsonconn

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/types"
)

const maxLineBytes = 16 * 1024 * 1024

// NewMessage is posted when a complete JSON message line has been parsed.
type NewMessage struct {
	Msg types.Message
}

// Eof is posted once the peer has cleanly half-closed the connection, or a
// read/parse error made the connection unusable. Malformed JSON is treated
// as a transport error per spec §7: no partial recovery, just a close.
type Eof struct{}

// Conn is a framed JSON connection, usable as an eventloop.EventSource by
// identity (each Conn is a distinct *Conn pointer).
type Conn struct {
	RemoteAddr string

	conn net.Conn
	wmu  sync.Mutex
	w    *bufio.Writer

	closeOnce sync.Once
}

// Wrap adapts an established net.Conn.
func Wrap(conn net.Conn) *Conn {
	return &Conn{
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		w:          bufio.NewWriter(conn),
	}
}

// Send serialises msg and writes it followed by a newline. Safe for
// concurrent use.
func (c *Conn) Send(msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// StartReading launches the goroutine that reads lines, parses each as a
// types.Message, and posts NewMessage (or Eof, once) to loop with c as the
// event source.
func (c *Conn) StartReading(loop *eventloop.Loop) {
	go c.readLoop(loop)
}

func (c *Conn) readLoop(loop *eventloop.Loop) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.Close()
			break
		}
		loop.Post(c, NewMessage{Msg: msg})
	}
	loop.Post(c, Eof{})
}

// Close closes the underlying connection. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
