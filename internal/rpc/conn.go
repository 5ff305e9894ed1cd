package rpc

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/protocol/wire"
	"github.com/danmuck/edgeproc/internal/reactor"
	"golang.org/x/sys/unix"
)

type connState int

const (
	stateReading connState = iota
	stateDispatching
	stateReceiving
	stateWriting
	stateRaw
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateDispatching:
		return "dispatching"
	case stateReceiving:
		return "receiving"
	case stateWriting:
		return "writing"
	case stateRaw:
		return "raw"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type afterWrite int

const (
	afterNone afterWrite = iota
	afterClose
	afterExit
)

// conn is one accepted connection. Exactly one request is in flight at a
// time: nothing new is decoded until the previous reply has been written.
type conn struct {
	server *Server
	p      *reactor.Participant
	remote string

	in         *wire.Buffer
	out        []byte
	state      connState
	after      afterWrite
	exitStatus int
	eof        bool
	processing bool
	call       *Call

	recvLeft int64
	recvSink func([]byte) error
	recvErr  error
	recvDone func(error)

	rawLine   func([]byte)
	rawClosed func()
}

func newConn(s *Server, fd int, remote string) *conn {
	c := &conn{
		server: s,
		remote: remote,
		in:     wire.NewBuffer(s.limits),
	}
	c.p = &reactor.Participant{
		FD:       fd,
		Interest: reactor.InterestRead,
		OwnsFD:   true,
		Name:     "rpc.conn " + remote,
	}
	c.p.Handler = reactor.HandlerFunc(c.handle)
	return c
}

func (c *conn) handle(ev reactor.Event) error {
	if c.state == stateClosed {
		return nil
	}
	if ev.Ready.Failed() {
		c.close("socket error")
		return nil
	}
	switch c.state {
	case stateWriting:
		if ev.Ready.Writable() || ev.Ready.Hangup() {
			c.flush()
		}
	case stateReading, stateReceiving, stateRaw:
		if ev.Ready.Readable() {
			c.fill()
		}
		c.kick()
	}
	return nil
}

func (c *conn) fill() {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(c.p.FD, buf)
		if err != nil {
			if !reactor.IsRetryable(err) {
				logging.Debugf("rpc.conn read remote=%q err=%v", c.remote, err)
				c.eof = true
			}
			return
		}
		if n == 0 {
			c.eof = true
			return
		}
		_, _ = c.in.Write(buf[:n])
		if n < len(buf) {
			return
		}
	}
}

// kick runs the input state machine unless it is already on the stack.
func (c *conn) kick() {
	if c.processing || c.state == stateClosed {
		return
	}
	c.processing = true
	c.process()
	c.processing = false
	c.closeIfDrained()
}

func (c *conn) process() {
	for {
		switch c.state {
		case stateReceiving:
			if !c.receive() {
				return
			}
		case stateRaw:
			c.drainRaw()
			return
		case stateReading:
			if !c.nextRequest() {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) nextRequest() bool {
	cmd, ok, err := c.in.Next()
	if errors.Is(err, wire.ErrLineTooLong) {
		c.queue(wire.Response{ID: wire.NoID, Status: wire.StatusFailed, Message: "line too long"}.Encode(), nil)
		return true
	}
	if !ok {
		return false
	}
	if err != nil {
		logging.Debugf("rpc.conn malformed line remote=%q err=%v", c.remote, err)
		c.queue(wire.Response{ID: wire.NoID, Status: wire.StatusFailed, Message: err.Error()}.Encode(), nil)
		return true
	}
	if len(cmd) < 2 {
		c.queue(wire.Response{ID: cmd.ID(), Status: wire.StatusFailed, Message: "command too short"}.Encode(), nil)
		return true
	}
	call := &Call{conn: c, cmd: cmd}
	c.call = call
	c.state = stateDispatching
	c.p.SetInterest(reactor.InterestNone)
	logging.Tracef("rpc.conn dispatch remote=%q id=%q verb=%q", c.remote, cmd.ID(), cmd.Verb())
	c.server.dispatcher.Dispatch(call)
	return true
}

// receive feeds buffered payload bytes to the active sink. It reports
// whether the payload completed.
func (c *conn) receive() bool {
	if c.recvLeft > 0 {
		if c.in.Len() == 0 {
			return false
		}
		n := int64(c.in.Len())
		if n > c.recvLeft {
			n = c.recvLeft
		}
		chunk := c.in.Take(int(n))
		c.recvLeft -= n
		if c.recvErr == nil && c.recvSink != nil {
			c.recvErr = c.recvSink(chunk)
		}
		if c.recvLeft > 0 {
			return false
		}
	}
	done, err := c.recvDone, c.recvErr
	c.recvSink, c.recvDone, c.recvErr = nil, nil, nil
	c.state = stateDispatching
	c.p.SetInterest(reactor.InterestNone)
	if done != nil {
		done(err)
	}
	return true
}

func (c *conn) drainRaw() {
	for {
		line, ok, err := c.in.NextLine()
		if err != nil {
			logging.Warnf("rpc.conn raw line dropped remote=%q err=%v", c.remote, err)
			continue
		}
		if !ok {
			return
		}
		c.rawLine(line)
	}
}

func (c *conn) queue(resp []byte, payload []byte) {
	c.out = append(c.out, resp...)
	c.out = append(c.out, payload...)
	c.state = stateWriting
	c.p.SetInterest(reactor.InterestWrite)
}

func (c *conn) flush() {
	for len(c.out) > 0 {
		n, err := unix.Write(c.p.FD, c.out)
		if err != nil {
			if reactor.IsRetryable(err) {
				return
			}
			c.close(fmt.Sprintf("write: %v", err))
			return
		}
		c.out = c.out[n:]
	}
	c.out = nil
	switch c.after {
	case afterClose:
		c.close("closed after reply")
		return
	case afterExit:
		c.exit()
		return
	}
	if c.rawLine != nil {
		c.state = stateRaw
	} else {
		c.call = nil
		c.state = stateReading
	}
	c.p.SetInterest(reactor.InterestRead)
	c.kick()
}

func (c *conn) closeIfDrained() {
	if !c.eof {
		return
	}
	switch c.state {
	case stateReading:
		c.close("peer closed")
	case stateReceiving:
		c.close("peer closed mid-payload")
	case stateRaw:
		if rest := c.in.Remainder(); len(rest) > 0 {
			c.rawLine(rest)
		}
		c.close("peer closed")
	}
}

func (c *conn) exit() {
	if err := setLinger(c.p.FD, c.server.linger); err != nil {
		logging.Warnf("rpc.conn linger remote=%q err=%v", c.remote, err)
	}
	status := c.exitStatus
	c.close("exit requested")
	c.server.reactor.RequestExit(status)
}

func (c *conn) close(reason string) {
	if c.state == stateClosed {
		return
	}
	prev := c.state
	c.state = stateClosed
	if prev == stateReceiving && c.recvDone != nil {
		done := c.recvDone
		c.recvSink, c.recvDone = nil, nil
		done(ErrTruncated)
	}
	if c.rawClosed != nil {
		c.rawClosed()
	}
	c.server.reactor.Remove(c.p)
	delete(c.server.conns, c)
	logging.Debugf("rpc.conn client disconnected remote=%q state=%s reason=%q active_clients=%d", c.remote, prev, reason, len(c.server.conns))
}
