package reactor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Interest is the poll interest of a participant.
type Interest int

const (
	InterestNone  Interest = 0
	InterestRead  Interest = 1
	InterestWrite Interest = 2
	InterestBoth           = InterestRead | InterestWrite
)

func (i Interest) pollEvents() int16 {
	var ev int16
	if i&InterestRead != 0 {
		ev |= unix.POLLIN
	}
	if i&InterestWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// Ready is the poll result for one descriptor.
type Ready int16

func (r Ready) Readable() bool { return r&(unix.POLLIN|unix.POLLHUP) != 0 }
func (r Ready) Writable() bool { return r&unix.POLLOUT != 0 }
func (r Ready) Hangup() bool   { return r&unix.POLLHUP != 0 }
func (r Ready) Failed() bool   { return r&(unix.POLLERR|unix.POLLNVAL) != 0 }

type EventKind int

const (
	EventPoll EventKind = iota
	EventTimer
	EventExited
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventPoll:
		return "poll"
	case EventTimer:
		return "timer"
	case EventExited:
		return "exited"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is delivered to exactly one Handler per dispatch.
type Event struct {
	Kind  EventKind
	Ready Ready
	// Status carries an exit status for EventExited.
	Status int
}

// Handler is a continuation. A non-retryable error returned from a
// participant's handler removes that participant.
type Handler interface {
	Handle(Event) error
}

type HandlerFunc func(Event) error

func (f HandlerFunc) Handle(ev Event) error { return f(ev) }

// Cancellable is a one-shot cancel flag. Cancel never invokes the callback;
// the loop skips cancelled handles when they come due.
type Cancellable struct {
	cancelled bool
}

func (c *Cancellable) Cancel()         { c.cancelled = true }
func (c *Cancellable) Cancelled() bool { return c.cancelled }

// IsRetryable reports whether err is EINTR or EAGAIN.
func IsRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}
