package procman

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/reactor"
	"github.com/google/uuid"
)

// CreateSpec describes a new record. With Package set the package's
// installer negotiates the command line before the record is usable.
type CreateSpec struct {
	Name          string
	Package       string
	Binary        string
	Args          []string
	Env           []string
	Dir           string
	DestroyOnExit bool
	Category      Category
}

// Create registers a record. done runs immediately when no package is
// given, otherwise once the installer handshake settles.
func (m *Manager) Create(spec CreateSpec, done func(*Record, error)) {
	if err := validName(spec.Name); err != nil {
		done(nil, err)
		return
	}
	if _, ok := m.records[spec.Name]; ok {
		done(nil, fmt.Errorf("%w: %s", ErrExists, spec.Name))
		return
	}
	dir := spec.Dir
	if dir == "" {
		dir = filepath.Join(m.runRoot, spec.Name)
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.cfg.Root, dir)
	}

	rec := newRecord(spec.Name, spec.Category)
	rec.RunDir = dir
	rec.Binary = spec.Binary
	rec.Args = append([]string(nil), spec.Args...)
	rec.Env = append([]string(nil), spec.Env...)
	rec.DestroyOnExit = spec.DestroyOnExit
	rec.Package = spec.Package

	if spec.Package == "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			done(nil, fmt.Errorf("procman: run dir: %w", err))
			return
		}
		m.records[rec.Name] = rec
		logging.Infof("procman.create instance=%q dir=%q", rec.Name, dir)
		done(rec, nil)
		return
	}

	pkgDir, err := m.packages.Current(spec.Package)
	if err != nil {
		done(nil, err)
		return
	}
	installer := filepath.Join(pkgDir, m.cfg.InstallerName)
	if st, err := os.Stat(installer); err != nil || st.IsDir() || st.Mode().Perm()&0o111 == 0 {
		done(nil, fmt.Errorf("%w: %s", ErrNoInstaller, installer))
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		done(nil, fmt.Errorf("procman: remove stale run dir: %w", err))
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		done(nil, fmt.Errorf("procman: run dir: %w", err))
		return
	}

	rec.Status = StatusInstalling
	rec.Install = InstallPending
	m.records[rec.Name] = rec

	var w *Watch
	w = m.Watch(rec, func(r *Record) {
		if r.Install == InstallPending {
			return
		}
		w.Cancel()
		if r.Install == InstallOK && !r.destroyed {
			done(r, nil)
			return
		}
		done(nil, fmt.Errorf("%w: %s", ErrInstallFailed, r.Name))
	})
	if err := m.startInstaller(rec, installer, pkgDir); err != nil {
		logging.Warnf("procman.create installer spawn failed instance=%q err=%v", rec.Name, err)
		m.failInstall(rec, err.Error())
	}
}

// resolveBinary prefers the package's activated dir, then the run dir.
func (m *Manager) resolveBinary(rec *Record) string {
	bin := rec.Binary
	if filepath.IsAbs(bin) {
		return bin
	}
	if rec.Package != "" {
		if dir, err := m.packages.Current(rec.Package); err == nil {
			if _, err := os.Stat(filepath.Join(dir, bin)); err == nil {
				return filepath.Join(dir, bin)
			}
		}
	}
	if _, err := os.Stat(filepath.Join(rec.RunDir, bin)); err == nil {
		return filepath.Join(rec.RunDir, bin)
	}
	return bin
}

// Start spawns the record's command line and returns its pid.
func (m *Manager) Start(name string) (int, error) {
	rec, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	switch {
	case rec.Status == StatusInstalling:
		return 0, fmt.Errorf("%w: %s", ErrInstalling, name)
	case rec.Install == InstallFailed:
		return 0, fmt.Errorf("%w: %s", ErrInstallFailed, name)
	case rec.Alive() || rec.exited:
		return 0, fmt.Errorf("%w: %s pid=%d", ErrRunning, name, rec.PID)
	case strings.TrimSpace(rec.Binary) == "":
		return 0, fmt.Errorf("%w: %s", ErrNoCommand, name)
	}
	spec := spawnSpec{
		binary: m.resolveBinary(rec),
		args:   rec.Args,
		dir:    rec.RunDir,
		env:    m.environ(rec),
	}
	if err := m.spawn(rec, spec); err != nil {
		return 0, err
	}
	rec.Status = StatusRunning
	m.notify(rec)
	return rec.PID, nil
}

type StopOutcome int

const (
	StopExited StopOutcome = iota
	StopAlreadyStopped
	StopNotRunning
)

// Stop terminates a running record: SIGTERM to its process group, then
// SIGKILL after StopWait, then failure after another StopWait. done runs
// exactly once with the exit status.
func (m *Manager) Stop(name string, done func(outcome StopOutcome, status int, err error)) {
	rec, err := m.lookup(name)
	if err != nil {
		done(StopExited, 0, err)
		return
	}
	if rec.Status == StatusInstalling {
		done(StopExited, 0, fmt.Errorf("%w: %s", ErrInstalling, name))
		return
	}
	if !rec.Alive() && !rec.exited {
		switch rec.Status {
		case StatusStopped, StatusFailed:
			done(StopAlreadyStopped, rec.ExitStatus, nil)
		default:
			done(StopNotRunning, rec.ExitStatus, nil)
		}
		return
	}
	rec.stopWaiters = append(rec.stopWaiters, func(status int, err error) {
		done(StopExited, status, err)
	})
	if rec.exited || rec.Status == StatusStopping {
		return
	}
	logging.Infof("procman.stop instance=%q pid=%d", rec.Name, rec.PID)
	rec.Status = StatusStopping
	signalGroup(rec.PID, sigTerm)
	rec.stopTimer = m.reactor.Schedule(reactor.HandlerFunc(func(reactor.Event) error {
		m.escalateStop(rec)
		return nil
	}), m.cfg.StopWait)
	m.notify(rec)
}

func (m *Manager) escalateStop(rec *Record) {
	rec.stopTimer = nil
	if !rec.Alive() {
		return
	}
	if !rec.stopKilled {
		rec.stopKilled = true
		logging.Warnf("procman.stop escalating to SIGKILL instance=%q pid=%d", rec.Name, rec.PID)
		signalGroup(rec.PID, sigKill)
		rec.stopTimer = m.reactor.Schedule(reactor.HandlerFunc(func(reactor.Event) error {
			m.escalateStop(rec)
			return nil
		}), m.cfg.StopWait)
		return
	}
	logging.Errorf("procman.stop instance did not exit instance=%q pid=%d", rec.Name, rec.PID)
	rec.Status = StatusFailed
	waiters := rec.stopWaiters
	rec.stopWaiters = nil
	for _, w := range waiters {
		w(-1, fmt.Errorf("%w: %s pid=%d", ErrDidNotExit, rec.Name, rec.PID))
	}
	m.notify(rec)
}

// Destroy removes a record whose process is not alive.
func (m *Manager) Destroy(name string) error {
	rec, err := m.lookup(name)
	if err != nil {
		return err
	}
	if rec.Status == StatusInstalling {
		return fmt.Errorf("%w: %s", ErrInstalling, name)
	}
	if rec.Alive() || rec.exited {
		return fmt.Errorf("%w: %s pid=%d", ErrRunning, name, rec.PID)
	}
	m.remove(rec)
	logging.Infof("procman.destroy instance=%q", name)
	return nil
}

// WaitSettled runs done once the record is neither installing nor running,
// or has been destroyed.
func (m *Manager) WaitSettled(name string, done func(*Record, error)) {
	rec, err := m.lookup(name)
	if err != nil {
		done(nil, err)
		return
	}
	if rec.Status.Settled() && !rec.Alive() && !rec.exited {
		done(rec, nil)
		return
	}
	var w *Watch
	w = m.Watch(rec, func(r *Record) {
		if !r.destroyed && (!r.Status.Settled() || r.Alive() || r.exited) {
			return
		}
		w.Cancel()
		done(r, nil)
	})
}

type RunSpec struct {
	Binary     string
	Args       []string
	Dir        string
	SearchPath bool
}

// Run starts an anonymous utility process and reports its exit status and
// captured output. The record destroys itself after exit.
func (m *Manager) Run(spec RunSpec, done func(status int, output string, err error)) {
	dir := spec.Dir
	if dir == "" {
		dir = m.runRoot
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.cfg.Root, dir)
	}
	bin := spec.Binary
	switch {
	case bin == "":
		done(-1, "", fmt.Errorf("%w: run needs a binary", ErrBadArgs))
		return
	case spec.SearchPath && !strings.Contains(bin, "/"):
		path, err := exec.LookPath(bin)
		if err != nil {
			done(-1, "", fmt.Errorf("%w: %v", ErrSpawn, err))
			return
		}
		bin = path
	case !filepath.IsAbs(bin):
		bin = filepath.Join(dir, bin)
	}

	rec := newRecord("run-"+uuid.NewString(), CategoryUtility)
	rec.RunDir = dir
	rec.Binary = bin
	rec.Args = append([]string(nil), spec.Args...)
	rec.DestroyOnExit = true
	rec.capture = &boundedBuffer{limit: m.cfg.RunOutputLimit}
	rec.onFinish = func(r *Record) {
		done(r.ExitStatus, r.capture.String(), nil)
	}
	m.records[rec.Name] = rec
	err := m.spawn(rec, spawnSpec{binary: bin, args: rec.Args, dir: dir, env: m.environ(rec)})
	if err != nil {
		delete(m.records, rec.Name)
		done(-1, "", err)
		return
	}
	rec.Status = StatusRunning
}

// StopAll stops every live process and runs done when all have exited or
// ShutdownWait elapsed, force-killing stragglers.
func (m *Manager) StopAll(done func()) {
	m.shutdown = true
	var names []string
	for _, rec := range m.Records() {
		if rec.Alive() || rec.exited {
			names = append(names, rec.Name)
		}
	}
	if len(names) == 0 {
		done()
		return
	}
	remaining := len(names)
	finished := false
	var deadline *reactor.Timer
	finish := func() {
		if finished {
			return
		}
		finished = true
		if deadline != nil {
			deadline.Cancel()
		}
		done()
	}
	deadline = m.reactor.Schedule(reactor.HandlerFunc(func(reactor.Event) error {
		for _, rec := range m.records {
			if rec.Alive() {
				signalGroup(rec.PID, sigKill)
			}
		}
		logging.Warnf("procman.StopAll deadline reached remaining=%d", remaining)
		finish()
		return nil
	}), m.cfg.ShutdownWait)
	for _, name := range names {
		m.Stop(name, func(_ StopOutcome, status int, err error) {
			remaining--
			if err != nil {
				logging.Warnf("procman.StopAll stop failed err=%v", err)
			}
			if remaining == 0 {
				finish()
			}
		})
	}
}

func formatStatus(rec *Record) string {
	return rec.Status.String() + " " + strconv.Itoa(rec.ExitStatus)
}
