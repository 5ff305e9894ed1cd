package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgeproc/internal/testutil/testlog"
	"golang.org/x/sys/unix"
)

func newReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	testlog.Start(t)
	r, err := New(opts...)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func runUntil(t *testing.T, r *Reactor, deadline time.Duration, done func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for !done() {
		if time.Now().After(stop) {
			t.Fatalf("condition not reached within %s", deadline)
		}
		if err := r.RunOnce(); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
}

func TestTimerFiresAfterDelay(t *testing.T) {
	r := newReactor(t)
	start := time.Now()
	fired := false
	r.Schedule(HandlerFunc(func(ev Event) error {
		if ev.Kind != EventTimer {
			t.Fatalf("unexpected event kind %s", ev.Kind)
		}
		fired = true
		return nil
	}), 30*time.Millisecond)

	runUntil(t, r, 2*time.Second, func() bool { return fired })
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("timer fired early after %s", elapsed)
	}
	if r.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers, got %d", r.PendingTimers())
	}
}

func TestCancelledTimerNeverFires(t *testing.T) {
	r := newReactor(t)
	fired := false
	timer := r.Schedule(HandlerFunc(func(Event) error {
		fired = true
		return nil
	}), 10*time.Millisecond)
	timer.Cancel()

	marker := false
	r.Schedule(HandlerFunc(func(Event) error {
		marker = true
		return nil
	}), 40*time.Millisecond)
	runUntil(t, r, 2*time.Second, func() bool { return marker })
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestCancelFromInsideCallbackSkipsPeerOnSamePass(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newReactor(t, WithClock(func() time.Time { return now }))

	var second *Timer
	calls := 0
	first := HandlerFunc(func(Event) error {
		calls++
		second.Cancel()
		return nil
	})
	r.Schedule(first, 0)
	second = r.Schedule(HandlerFunc(func(Event) error {
		calls++
		return nil
	}), 0)

	if err := r.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls)
	}
}

func TestZeroDelayScheduledInsideDispatchRunsNextPass(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newReactor(t, WithClock(func() time.Time { return now }))

	var order []string
	r.Schedule(HandlerFunc(func(Event) error {
		order = append(order, "outer")
		r.Schedule(HandlerFunc(func(Event) error {
			order = append(order, "inner")
			return nil
		}), 0)
		return nil
	}), 0)

	if err := r.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(order) != 1 {
		t.Fatalf("inner notification dispatched reentrantly: %v", order)
	}
	if err := r.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(order) != 2 || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestReadableParticipantDispatchedWithPollResult(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	defer unix.Close(b)

	var got []byte
	p := &Participant{FD: a, Interest: InterestRead, OwnsFD: true, Name: "test.read"}
	p.Handler = HandlerFunc(func(ev Event) error {
		if !ev.Ready.Readable() {
			t.Fatalf("expected readable event, got %v", ev.Ready)
		}
		buf := make([]byte, 16)
		n, err := unix.Read(p.FD, buf)
		if err != nil {
			return err
		}
		got = append(got, buf[:n]...)
		return nil
	})
	if err := r.Add(p); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := unix.Write(b, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	runUntil(t, r, 2*time.Second, func() bool { return string(got) == "ping" })
}

func TestHandlerErrorRemovesOnlyThatParticipant(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	c, d := socketPair(t)
	defer unix.Close(b)
	defer unix.Close(d)

	failing := &Participant{FD: a, Interest: InterestWrite, OwnsFD: true, Name: "failing"}
	failing.Handler = HandlerFunc(func(Event) error { return errors.New("boom") })
	healthyCalls := 0
	healthy := &Participant{FD: c, Interest: InterestWrite, OwnsFD: true, Name: "healthy"}
	healthy.Handler = HandlerFunc(func(Event) error {
		healthyCalls++
		return nil
	})
	_ = r.Add(failing)
	_ = r.Add(healthy)

	if err := r.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if failing.Active() {
		t.Fatalf("failing participant should be removed")
	}
	if failing.FD != -1 {
		t.Fatalf("owned fd should be closed on removal")
	}
	if !healthy.Active() || healthyCalls != 1 {
		t.Fatalf("healthy participant affected: active=%v calls=%d", healthy.Active(), healthyCalls)
	}
}

func TestRetryableErrorKeepsParticipant(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	p := &Participant{FD: a, Interest: InterestWrite, OwnsFD: true}
	p.Handler = HandlerFunc(func(Event) error { return unix.EAGAIN })
	_ = r.Add(p)
	if err := r.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !p.Active() {
		t.Fatalf("EAGAIN must not remove the participant")
	}
}

func TestPostFromGoroutineWakesPoll(t *testing.T) {
	r := newReactor(t, WithMaxWait(10*time.Second))
	ran := false
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Post(func() { ran = true })
	}()
	start := time.Now()
	runUntil(t, r, 3*time.Second, func() bool { return ran })
	if time.Since(start) > 5*time.Second {
		t.Fatalf("post did not wake the poll")
	}
}

func TestRequestExitRunsHookAndStopsRun(t *testing.T) {
	r := newReactor(t)
	hookStatus := -1
	r.SetExitHook(func(status int) { hookStatus = status })
	r.Schedule(HandlerFunc(func(Event) error {
		r.RequestExit(3)
		return nil
	}), 5*time.Millisecond)

	status, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 3 || hookStatus != 3 {
		t.Fatalf("unexpected exit status run=%d hook=%d", status, hookStatus)
	}
}

func TestAddTwiceRejected(t *testing.T) {
	r := newReactor(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	p := &Participant{FD: a, Interest: InterestRead, OwnsFD: true}
	if err := r.Add(p); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(p); !errors.Is(err, ErrParticipantActive) {
		t.Fatalf("expected ErrParticipantActive, got %v", err)
	}
}
