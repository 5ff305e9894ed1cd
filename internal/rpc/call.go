package rpc

import (
	"fmt"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/protocol/wire"
	"github.com/danmuck/edgeproc/internal/reactor"
)

// Call is one in-flight request. Replies may be sent from later reactor
// callbacks; a reply on a closed connection is dropped.
type Call struct {
	conn     *conn
	cmd      wire.Command
	replied  bool
	detached bool
}

func (c *Call) ID() string             { return c.cmd.ID() }
func (c *Call) Verb() string           { return c.cmd.Verb() }
func (c *Call) Args() []string         { return c.cmd.Args() }
func (c *Call) Command() wire.Command  { return c.cmd }
func (c *Call) Remote() string         { return c.conn.remote }
func (c *Call) Done() bool             { return c.replied || c.detached }
func (c *Call) ConnectionClosed() bool { return c.conn.state == stateClosed }
func (c *Call) OK(msg string)          { c.Reply(wire.StatusOK, msg) }
func (c *Call) Fail(err error)         { c.Reply(wire.StatusFailed, err.Error()) }

func (c *Call) Reply(status int, msg string) {
	c.ReplyWithPayload(status, msg, nil)
}

// Arg returns argument i or "" when absent.
func (c *Call) Arg(i int) string {
	args := c.cmd.Args()
	if i < 0 || i >= len(args) {
		return ""
	}
	return args[i]
}

func (c *Call) Failf(format string, args ...any) {
	c.Reply(wire.StatusFailed, fmt.Sprintf(format, args...))
}

// ReplyWithPayload queues the response line followed by raw payload bytes.
func (c *Call) ReplyWithPayload(status int, msg string, payload []byte) {
	if c.replied {
		logging.Warnf("rpc.Call duplicate reply id=%q verb=%q", c.ID(), c.Verb())
		return
	}
	c.replied = true
	if !c.current() {
		logging.Debugf("rpc.Call reply dropped id=%q verb=%q state=%s", c.ID(), c.Verb(), c.conn.state)
		return
	}
	resp := wire.Response{ID: c.ID(), Status: status, Message: msg}
	c.conn.queue(resp.Encode(), payload)
}

// ReceivePayload consumes exactly n raw bytes following the request line,
// passing them to sink in order. After the first sink error the remaining
// bytes are drained and discarded so the stream stays framed. done runs
// once with the first sink error, or ErrTruncated when the peer closed.
func (c *Call) ReceivePayload(n int64, sink func([]byte) error, done func(error)) {
	conn := c.conn
	if !c.current() || conn.state != stateDispatching {
		if done != nil {
			done(ErrTruncated)
		}
		return
	}
	conn.recvLeft = n
	conn.recvSink = sink
	conn.recvDone = done
	conn.recvErr = nil
	conn.state = stateReceiving
	conn.p.SetInterest(reactor.InterestRead)
	conn.kick()
}

// Raw switches the connection to unframed line mode once any queued reply
// has been written. line receives each subsequent line; closed runs when
// the connection goes away.
func (c *Call) Raw(line func([]byte), closed func()) {
	if !c.current() {
		return
	}
	c.detached = true
	conn := c.conn
	conn.rawLine = line
	conn.rawClosed = closed
	if conn.state == stateDispatching {
		conn.state = stateRaw
		conn.p.SetInterest(reactor.InterestRead)
		conn.kick()
	}
}

// Abort drops the connection without a reply.
func (c *Call) Abort(reason string) {
	c.replied = true
	if !c.current() {
		return
	}
	logging.Warnf("rpc.Call abort remote=%q id=%q verb=%q reason=%q", c.conn.remote, c.ID(), c.Verb(), reason)
	c.conn.close("aborted: " + reason)
}

// CloseAfterReply closes the connection once the reply is written.
func (c *Call) CloseAfterReply() {
	if !c.current() {
		return
	}
	c.conn.after = afterClose
}

// ExitAfterReply lingers the reply out, closes the connection and asks the
// reactor to stop with status.
func (c *Call) ExitAfterReply(status int) {
	if !c.current() {
		return
	}
	c.conn.after = afterExit
	c.conn.exitStatus = status
}

func (c *Call) current() bool {
	return c.conn.state != stateClosed && c.conn.call == c
}
