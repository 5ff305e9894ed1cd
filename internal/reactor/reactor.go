package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgeproc/internal/logging"
	"golang.org/x/sys/unix"
)

const DefaultMaxWait = 5 * time.Second

var (
	ErrClosed            = errors.New("reactor: closed")
	ErrParticipantActive = errors.New("reactor: participant already registered")
)

// Participant is a descriptor plus its poll interest and continuation.
type Participant struct {
	FD       int
	Interest Interest
	Handler  Handler
	// OwnsFD closes FD when the participant is removed.
	OwnsFD bool
	Name   string

	active bool
}

func (p *Participant) SetInterest(i Interest) { p.Interest = i }
func (p *Participant) SetHandler(h Handler)   { p.Handler = h }
func (p *Participant) Active() bool           { return p.active }

// Timer fires its handler once at or after its deadline unless cancelled.
type Timer struct {
	Cancellable
	at      time.Time
	handler Handler
}

func (t *Timer) When() time.Time { return t.at }

type Option func(*Reactor)

// WithMaxWait bounds a single poll when no timer is nearer.
func WithMaxWait(d time.Duration) Option {
	return func(r *Reactor) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

// WithClock replaces time.Now for timer deadlines.
func WithClock(now func() time.Time) Option {
	return func(r *Reactor) {
		if now != nil {
			r.now = now
		}
	}
}

// Reactor is a single-goroutine poll loop. Only Post may be called from
// other goroutines.
type Reactor struct {
	participants []*Participant
	timers       []*Timer
	maxWait      time.Duration
	now          func() time.Time

	mu     sync.Mutex
	posted []func()
	wakeR  int
	wakeW  int

	exitHook   func(status int)
	exiting    bool
	exitStatus int
	closed     bool
}

func New(opts ...Option) (*Reactor, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: wake pipe: %w", err)
	}
	r := &Reactor{
		maxWait: DefaultMaxWait,
		now:     time.Now,
		wakeR:   p[0],
		wakeW:   p[1],
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Reactor) Now() time.Time { return r.now() }

// Add registers p. The descriptor should already be nonblocking.
func (r *Reactor) Add(p *Participant) error {
	if r.closed {
		return ErrClosed
	}
	if p.active {
		return ErrParticipantActive
	}
	p.active = true
	r.participants = append(r.participants, p)
	return nil
}

// Remove unregisters p and closes its descriptor when owned. Removing an
// inactive participant is a no-op.
func (r *Reactor) Remove(p *Participant) {
	if p == nil || !p.active {
		return
	}
	p.active = false
	for i, cur := range r.participants {
		if cur == p {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			break
		}
	}
	if p.OwnsFD && p.FD >= 0 {
		if err := unix.Close(p.FD); err != nil {
			logging.Debugf("reactor.Remove close name=%q fd=%d err=%v", p.Name, p.FD, err)
		}
		p.FD = -1
	}
}

// Len returns the number of registered participants.
func (r *Reactor) Len() int { return len(r.participants) }

// Schedule arms a timer d from now. A zero delay fires on the next pass.
func (r *Reactor) Schedule(h Handler, d time.Duration) *Timer {
	if d < 0 {
		d = 0
	}
	t := &Timer{at: r.now().Add(d), handler: h}
	r.timers = append(r.timers, t)
	return t
}

// PendingTimers counts armed, uncancelled timers.
func (r *Reactor) PendingTimers() int {
	n := 0
	for _, t := range r.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Post queues fn to run on the loop goroutine at the top of the next pass.
// Safe to call from any goroutine.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.posted = append(r.posted, fn)
	if _, err := unix.Write(r.wakeW, []byte{1}); err != nil && !IsRetryable(err) {
		logging.Warnf("reactor.Post wake failed err=%v", err)
	}
}

func (r *Reactor) SetExitHook(fn func(status int)) { r.exitHook = fn }

// RequestExit runs the exit hook once and stops Run after the current pass.
func (r *Reactor) RequestExit(status int) {
	if r.exiting {
		return
	}
	r.exiting = true
	r.exitStatus = status
	if r.exitHook != nil {
		r.exitHook(status)
	}
}

func (r *Reactor) Exiting() bool { return r.exiting }

// Run loops until RequestExit and returns the requested status.
func (r *Reactor) Run() (int, error) {
	for !r.exiting {
		if err := r.RunOnce(); err != nil {
			return 1, err
		}
	}
	return r.exitStatus, nil
}

// RunOnce performs one bounded poll and one dispatch pass.
func (r *Reactor) RunOnce() error {
	if r.closed {
		return ErrClosed
	}
	r.drainPosted()
	if r.exiting {
		return nil
	}

	fds := make([]unix.PollFd, 1, len(r.participants)+1)
	fds[0] = unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN}
	polled := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		ev := p.Interest.pollEvents()
		if ev == 0 || p.FD < 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(p.FD), Events: ev})
		polled = append(polled, p)
	}

	if _, err := unix.Poll(fds, r.pollTimeout()); err != nil {
		if IsRetryable(err) {
			return nil
		}
		return fmt.Errorf("reactor: poll: %w", err)
	}
	if fds[0].Revents != 0 {
		r.drainWake()
	}

	r.fireTimers()

	for i, p := range polled {
		rev := fds[i+1].Revents
		if rev == 0 || !p.active {
			continue
		}
		if rev&unix.POLLNVAL != 0 {
			logging.Warnf("reactor.RunOnce invalid fd name=%q fd=%d", p.Name, p.FD)
			r.Remove(p)
			continue
		}
		r.dispatch(p, Event{Kind: EventPoll, Ready: Ready(rev)})
	}
	return nil
}

func (r *Reactor) dispatch(p *Participant, ev Event) {
	if p.Handler == nil {
		return
	}
	if err := p.Handler.Handle(ev); err != nil && !IsRetryable(err) {
		logging.Debugf("reactor.dispatch participant removed name=%q err=%v", p.Name, err)
		r.Remove(p)
	}
}

func (r *Reactor) fireTimers() {
	if len(r.timers) == 0 {
		return
	}
	now := r.now()
	var due []*Timer
	remaining := r.timers[:0]
	for _, t := range r.timers {
		if t.cancelled {
			continue
		}
		if !t.at.After(now) {
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	r.timers = remaining
	for _, t := range due {
		if t.cancelled || t.handler == nil {
			continue
		}
		t.cancelled = true
		if err := t.handler.Handle(Event{Kind: EventTimer}); err != nil {
			logging.Debugf("reactor.fireTimers handler err=%v", err)
		}
	}
}

func (r *Reactor) drainPosted() {
	r.mu.Lock()
	posted := r.posted
	r.posted = nil
	r.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// pollTimeout returns milliseconds until the nearest live timer, bounded by
// maxWait, rounded up so a due timer is never polled early.
func (r *Reactor) pollTimeout() int {
	r.mu.Lock()
	pending := len(r.posted)
	r.mu.Unlock()
	if pending > 0 {
		return 0
	}
	wait := r.maxWait
	now := r.now()
	for _, t := range r.timers {
		if t.cancelled {
			continue
		}
		d := t.at.Sub(now)
		if d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// Close releases the wake pipe and every owned participant descriptor.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	for _, p := range append([]*Participant(nil), r.participants...) {
		r.Remove(p)
	}
	r.timers = nil
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.posted = nil
	_ = unix.Close(r.wakeR)
	return unix.Close(r.wakeW)
}
