package rpc

import (
	"errors"
	"fmt"
	"net"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/protocol/wire"
	"github.com/danmuck/edgeproc/internal/reactor"
	"golang.org/x/sys/unix"
)

const (
	defaultBacklog      = 64
	defaultLingerSecond = 5
	readChunk           = 64 * 1024
)

var ErrTruncated = errors.New("rpc: connection closed before payload completed")

// Dispatcher executes one decoded request. It must eventually reply, abort,
// or switch the call to raw mode; it may do so after returning.
type Dispatcher interface {
	Dispatch(call *Call)
}

type DispatcherFunc func(*Call)

func (f DispatcherFunc) Dispatch(c *Call) { f(c) }

type ServerOption func(*Server)

func WithLimits(l wire.Limits) ServerOption {
	return func(s *Server) { s.limits = l }
}

func WithLinger(seconds int32) ServerOption {
	return func(s *Server) { s.linger = seconds }
}

// Server accepts connections on a reactor-owned listening socket.
type Server struct {
	reactor    *reactor.Reactor
	dispatcher Dispatcher
	listener   *reactor.Participant
	addr       *net.TCPAddr
	limits     wire.Limits
	linger     int32
	conns      map[*conn]struct{}
}

// Listen binds addr and registers the listener with r. Bind failure is
// returned to the caller; the agent treats it as fatal.
func Listen(r *reactor.Reactor, addr string, d Dispatcher, opts ...ServerOption) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("rpc: dispatcher required")
	}
	fd, bound, err := listenTCP(addr, defaultBacklog)
	if err != nil {
		return nil, err
	}
	s := &Server{
		reactor:    r,
		dispatcher: d,
		addr:       bound,
		limits:     wire.DefaultLimits(),
		linger:     defaultLingerSecond,
		conns:      make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.listener = &reactor.Participant{
		FD:       fd,
		Interest: reactor.InterestRead,
		OwnsFD:   true,
		Name:     "rpc.listener",
	}
	s.listener.Handler = reactor.HandlerFunc(s.accept)
	if err := r.Add(s.listener); err != nil {
		unix.Close(fd)
		return nil, err
	}
	logging.Infof("rpc.Listen listening addr=%q", bound.String())
	return s, nil
}

func (s *Server) Addr() *net.TCPAddr { return s.addr }
func (s *Server) Port() int          { return s.addr.Port }

// Conns returns the number of open connections.
func (s *Server) Conns() int { return len(s.conns) }

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.reactor.Remove(s.listener)
	for c := range s.conns {
		c.close("server closed")
	}
}

func (s *Server) accept(ev reactor.Event) error {
	if ev.Ready.Failed() {
		return fmt.Errorf("rpc: listener poll error revents=%d", ev.Ready)
	}
	for {
		fd, sa, err := unix.Accept4(s.listener.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case reactor.IsRetryable(err):
				return nil
			case errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				logging.Errorf("rpc.accept failed err=%v", err)
				return err
			}
		}
		c := newConn(s, fd, remoteString(sa))
		if err := s.reactor.Add(c.p); err != nil {
			unix.Close(fd)
			return nil
		}
		s.conns[c] = struct{}{}
		logging.Debugf("rpc.accept client connected remote=%q active_clients=%d", c.remote, len(s.conns))
	}
}
