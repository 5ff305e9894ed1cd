package logsink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/reactor"
	"github.com/danmuck/edgeproc/internal/rpc"
	"golang.org/x/sys/unix"
)

const (
	LogVerb          = "log"
	DefaultMaxQueued = 10000
)

var ErrNotTCP = errors.New("logsink: collator connection is not tcp")

type RemoteOptions struct {
	Timeout   time.Duration
	MaxQueued int
	// Fallback receives lines once the collator connection is lost.
	Fallback Sink
}

// RemoteSink streams lines to a collator over a connection switched into
// raw mode by the log verb. Writes are nonblocking and driven by the
// reactor; when more than MaxQueued lines are pending the oldest are
// dropped.
type RemoteSink struct {
	reactor   *reactor.Reactor
	p         *reactor.Participant
	addr      string
	queue     [][]byte
	out       []byte
	maxQueued int
	dropped   int
	fallback  Sink
	broken    bool
}

// DialRemote performs the log handshake with the collator at addr and
// hands the socket to r.
func DialRemote(ctx context.Context, r *reactor.Reactor, addr, origin string, opts RemoteOptions) (*RemoteSink, error) {
	client, err := rpc.Dial(ctx, addr, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("logsink: dial collator %q: %w", addr, err)
	}
	defer client.Close()
	if _, err := client.Do(ctx, LogVerb, origin); err != nil {
		return nil, fmt.Errorf("logsink: collator handshake: %w", err)
	}
	fd, err := dupConn(client.Conn())
	if err != nil {
		return nil, err
	}
	s := &RemoteSink{
		reactor:   r,
		addr:      addr,
		maxQueued: opts.MaxQueued,
		fallback:  opts.Fallback,
	}
	if s.maxQueued <= 0 {
		s.maxQueued = DefaultMaxQueued
	}
	if s.fallback == nil {
		s.fallback = Discard{}
	}
	s.p = &reactor.Participant{
		FD:       fd,
		Interest: reactor.InterestNone,
		OwnsFD:   true,
		Name:     "logsink.remote " + addr,
	}
	s.p.Handler = reactor.HandlerFunc(s.handle)
	if err := r.Add(s.p); err != nil {
		unix.Close(fd)
		return nil, err
	}
	logging.Infof("logsink.DialRemote collator connected addr=%q origin=%q", addr, origin)
	return s, nil
}

func dupConn(conn net.Conn) (int, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return -1, ErrNotTCP
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("logsink: dup collator socket: %w", dupErr)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Line must be called on the reactor goroutine.
func (s *RemoteSink) Line(instance, stream string, line []byte) {
	if s.broken {
		s.fallback.Line(instance, stream, line)
		return
	}
	if len(s.queue) >= s.maxQueued {
		s.queue = s.queue[1:]
		s.dropped++
		if s.dropped == 1 || s.dropped%1000 == 0 {
			logging.Warnf("logsink.RemoteSink queue full addr=%q dropped=%d", s.addr, s.dropped)
		}
	}
	s.queue = append(s.queue, append(FormatLine(instance, stream, line), '\n'))
	s.p.SetInterest(reactor.InterestWrite)
}

// Pending counts lines not yet fully handed to the socket.
func (s *RemoteSink) Pending() int {
	if len(s.out) > 0 {
		return len(s.queue) + 1
	}
	return len(s.queue)
}

func (s *RemoteSink) Dropped() int { return s.dropped }

func (s *RemoteSink) handle(ev reactor.Event) error {
	if ev.Ready.Failed() || (ev.Ready.Hangup() && !ev.Ready.Writable()) {
		s.fail(fmt.Errorf("collator hangup revents=%d", ev.Ready))
		return nil
	}
	for {
		if len(s.out) == 0 {
			if len(s.queue) == 0 {
				s.p.SetInterest(reactor.InterestNone)
				return nil
			}
			s.out = s.queue[0]
			s.queue = s.queue[1:]
		}
		n, err := unix.Write(s.p.FD, s.out)
		if err != nil {
			if reactor.IsRetryable(err) {
				return nil
			}
			s.fail(err)
			return nil
		}
		s.out = s.out[n:]
	}
}

func (s *RemoteSink) fail(err error) {
	if s.broken {
		return
	}
	s.broken = true
	logging.Warnf("logsink.RemoteSink collator lost addr=%q pending=%d err=%v", s.addr, len(s.queue), err)
	s.reactor.Remove(s.p)
	s.queue = nil
	s.out = nil
}

// Close flushes what the socket accepts without blocking and releases it.
func (s *RemoteSink) Close() error {
	if !s.broken && s.p.Active() {
		_ = s.handle(reactor.Event{Kind: reactor.EventPoll, Ready: reactor.Ready(unix.POLLOUT)})
		s.reactor.Remove(s.p)
	}
	s.broken = true
	return s.fallback.Close()
}
