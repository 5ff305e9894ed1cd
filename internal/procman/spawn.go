package procman

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/reactor"
	"golang.org/x/sys/unix"
)

const (
	maxLineBytes     = 64 * 1024
	readChunk        = 32 * 1024
	maxReadsPerEvent = 16

	streamStdout = "stdout"
	streamStderr = "stderr"

	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

type spawnSpec struct {
	binary string
	args   []string
	dir    string
	env    []string
	// stdin, when non-nil, is written to the child and then closed.
	stdin []byte
}

// pipe returns the parent end (nonblocking, close-on-exec) and the child
// end of a new pipe.
func pipe(parentReads bool) (int, *os.File, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, nil, err
	}
	parent, child := p[0], p[1]
	if !parentReads {
		parent, child = p[1], p[0]
	}
	if err := unix.SetNonblock(parent, true); err != nil {
		unix.Close(parent)
		unix.Close(child)
		return -1, nil, err
	}
	return parent, os.NewFile(uintptr(child), "pipe"), nil
}

// spawn starts rec's process in its own process group with stdout and
// stderr wired to reactor participants.
func (m *Manager) spawn(rec *Record, spec spawnSpec) error {
	if rec.cmd != nil || rec.exited {
		return ErrRunning
	}
	var parentFDs []int
	var childFiles []*os.File
	closeAll := func() {
		for _, fd := range parentFDs {
			unix.Close(fd)
		}
		for _, f := range childFiles {
			f.Close()
		}
	}

	cmd := exec.Command(spec.binary, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outFD, outW, err := pipe(true)
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	parentFDs, childFiles = append(parentFDs, outFD), append(childFiles, outW)
	errFD, errW, err := pipe(true)
	if err != nil {
		closeAll()
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}
	parentFDs, childFiles = append(parentFDs, errFD), append(childFiles, errW)
	cmd.Stdout = outW
	cmd.Stderr = errW

	inFD := -1
	if spec.stdin != nil {
		var inR *os.File
		inFD, inR, err = pipe(false)
		if err != nil {
			closeAll()
			return fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
		}
		parentFDs, childFiles = append(parentFDs, inFD), append(childFiles, inR)
		cmd.Stdin = inR
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return fmt.Errorf("%w: %s: %v", ErrSpawn, spec.binary, err)
	}
	for _, f := range childFiles {
		f.Close()
	}

	pid := cmd.Process.Pid
	if prev, ok := m.pids[pid]; ok && prev != rec {
		// the previous holder was reaped and its exit is still queued
		logging.Warnf("procman.spawn pid reused pid=%d previous=%q", pid, prev.Name)
		prev.PID = -1
	}
	m.pids[pid] = rec
	rec.cmd = cmd
	rec.PID = pid
	rec.stopKilled = false
	rec.streams = nil

	m.addStream(rec, streamStdout, outFD)
	m.addStream(rec, streamStderr, errFD)
	if inFD >= 0 {
		m.addFeeder(rec, inFD, spec.stdin)
	}
	go m.wait(rec, cmd)
	logging.Infof("procman.spawn instance=%q category=%s pid=%d binary=%q", rec.Name, rec.Category, pid, spec.binary)
	return nil
}

func (m *Manager) wait(rec *Record, cmd *exec.Cmd) {
	_ = cmd.Wait()
	status := exitStatus(cmd.ProcessState)
	m.reactor.Post(func() { m.childExited(rec, cmd, status) })
}

// exitStatus maps a signal death to 128+signal, as shells do.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func signalGroup(pid int, sig unix.Signal) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		logging.Warnf("procman.signal pgid=%d sig=%v err=%v", pid, sig, err)
	}
}

func (m *Manager) childExited(rec *Record, cmd *exec.Cmd, status int) {
	if rec.cmd != cmd {
		return
	}
	rec.cmd = nil
	if m.pids[rec.PID] == rec {
		delete(m.pids, rec.PID)
	}
	logging.Infof("procman.exit instance=%q pid=%d status=%d", rec.Name, rec.PID, status)
	rec.PID = -1
	rec.exited = true
	rec.exitCode = status
	if rec.stopTimer != nil {
		rec.stopTimer.Cancel()
		rec.stopTimer = nil
	}
	if len(rec.streams) == 0 {
		m.finishExit(rec)
		return
	}
	rec.drainTimer = m.reactor.Schedule(reactor.HandlerFunc(func(reactor.Event) error {
		rec.drainTimer = nil
		for _, s := range append([]*stream(nil), rec.streams...) {
			logging.Warnf("procman.exit stream still open after exit instance=%q stream=%s", rec.Name, s.name)
			s.finish(true)
		}
		return nil
	}), m.cfg.DrainWait)
}

// finishExit settles a reaped record once its output pipes are drained.
func (m *Manager) finishExit(rec *Record) {
	if !rec.exited {
		return
	}
	rec.exited = false
	if rec.drainTimer != nil {
		rec.drainTimer.Cancel()
		rec.drainTimer = nil
	}
	status := rec.exitCode
	rec.ExitStatus = status
	switch rec.Status {
	case StatusStopping, StatusFailed:
		rec.Status = StatusStopped
	case StatusRunning:
		if status == 0 {
			rec.Status = StatusStopped
		} else {
			rec.Status = StatusFailed
		}
	}
	waiters := rec.stopWaiters
	rec.stopWaiters = nil
	for _, w := range waiters {
		w(status, nil)
	}
	if rec.handshake != nil {
		m.completeInstall(rec)
	}
	if fn := rec.onFinish; fn != nil {
		rec.onFinish = nil
		fn(rec)
	}
	m.notify(rec)
	if rec.DestroyOnExit {
		m.scheduleDestroy(rec)
	}
}

func (m *Manager) onLine(rec *Record, stream string, line []byte) {
	if rec.capture != nil {
		rec.capture.appendLine(line)
	}
	if rec.handshake != nil && stream == streamStdout {
		rec.handshake.parseLine(line)
		return
	}
	m.sink.Line(rec.Name, stream, line)
}

func (m *Manager) onStreamClosed(rec *Record, s *stream, truncated bool) {
	for i, cur := range rec.streams {
		if cur == s {
			rec.streams = append(rec.streams[:i], rec.streams[i+1:]...)
			break
		}
	}
	if rec.handshake != nil && s.name == streamStdout {
		rec.handshake.outputClosed(truncated)
	}
	if rec.exited && len(rec.streams) == 0 {
		m.finishExit(rec)
	}
}

// stream forwards one child output pipe line by line.
type stream struct {
	m       *Manager
	rec     *Record
	name    string
	p       *reactor.Participant
	pending []byte
	closed  bool
}

func (m *Manager) addStream(rec *Record, name string, fd int) {
	s := &stream{m: m, rec: rec, name: name}
	s.p = &reactor.Participant{
		FD:       fd,
		Interest: reactor.InterestRead,
		OwnsFD:   true,
		Name:     "procman." + name + " " + rec.Name,
	}
	s.p.Handler = reactor.HandlerFunc(s.handle)
	if err := m.reactor.Add(s.p); err != nil {
		unix.Close(fd)
		return
	}
	rec.streams = append(rec.streams, s)
}

func (s *stream) handle(ev reactor.Event) error {
	if s.closed {
		return nil
	}
	buf := make([]byte, readChunk)
	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := unix.Read(s.p.FD, buf)
		if err != nil {
			if reactor.IsRetryable(err) {
				return nil
			}
			logging.Debugf("procman.stream read instance=%q stream=%s err=%v", s.rec.Name, s.name, err)
			s.finish(false)
			return nil
		}
		if n == 0 {
			s.finish(false)
			return nil
		}
		s.pending = append(s.pending, buf[:n]...)
		s.split()
	}
	return nil
}

func (s *stream) split() {
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(s.pending[:idx], []byte{'\r'})
		s.m.onLine(s.rec, s.name, append([]byte(nil), line...))
		s.pending = s.pending[idx+1:]
	}
	if len(s.pending) > maxLineBytes {
		s.m.onLine(s.rec, s.name, append([]byte(nil), s.pending...))
		s.pending = nil
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
}

// finish closes the pipe. A trailing fragment without a newline is still
// delivered, and reported as truncation.
func (s *stream) finish(forced bool) {
	if s.closed {
		return
	}
	s.closed = true
	truncated := forced || len(s.pending) > 0
	if len(s.pending) > 0 {
		s.m.onLine(s.rec, s.name, s.pending)
		s.pending = nil
	}
	s.m.reactor.Remove(s.p)
	s.m.onStreamClosed(s.rec, s, truncated)
}

// addFeeder writes data to the child's stdin and closes it.
func (m *Manager) addFeeder(rec *Record, fd int, data []byte) {
	p := &reactor.Participant{
		FD:       fd,
		Interest: reactor.InterestWrite,
		OwnsFD:   true,
		Name:     "procman.stdin " + rec.Name,
	}
	p.Handler = reactor.HandlerFunc(func(ev reactor.Event) error {
		for len(data) > 0 {
			n, err := unix.Write(p.FD, data)
			if err != nil {
				if reactor.IsRetryable(err) {
					return nil
				}
				logging.Debugf("procman.stdin write instance=%q err=%v", rec.Name, err)
				break
			}
			data = data[n:]
		}
		m.reactor.Remove(p)
		return nil
	})
	if err := m.reactor.Add(p); err != nil {
		unix.Close(fd)
	}
}
