package procman

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/logsink"
	"github.com/danmuck/edgeproc/internal/procman/pkgstore"
	"github.com/danmuck/edgeproc/internal/reactor"
)

const (
	DefaultStopWait       = 5 * time.Second
	DefaultDrainWait      = 2 * time.Second
	DefaultShutdownWait   = 15 * time.Second
	DefaultInstallerName  = "install"
	DefaultRunOutputLimit = 64 * 1024
	DefaultPortBase       = 12400
	DefaultPortCount      = 100
)

var (
	ErrNoSuchInstance = errors.New("procman: no such instance")
	ErrExists         = errors.New("procman: instance already exists")
	ErrInvalidName    = errors.New("procman: invalid instance name")
	ErrRunning        = errors.New("procman: instance is running")
	ErrInstalling     = errors.New("procman: install in progress")
	ErrInstallFailed  = errors.New("procman: install failed")
	ErrNoInstaller    = errors.New("procman: package has no installer")
	ErrNoCommand      = errors.New("procman: no command line")
	ErrSpawn          = errors.New("procman: spawn failed")
	ErrDidNotExit     = errors.New("procman: instance did not exit")
	ErrPoolExhausted  = errors.New("procman: port pool exhausted")
	ErrNoSuchBinding  = errors.New("procman: no such binding")
	ErrBadArgs        = errors.New("procman: bad arguments")
)

type Config struct {
	Root           string
	PortBase       int
	PortCount      int
	StopWait       time.Duration
	DrainWait      time.Duration
	ShutdownWait   time.Duration
	InstallerName  string
	LogFile        string
	RunOutputLimit int
}

func (c Config) withDefaults() Config {
	if c.StopWait <= 0 {
		c.StopWait = DefaultStopWait
	}
	if c.DrainWait <= 0 {
		c.DrainWait = DefaultDrainWait
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = DefaultShutdownWait
	}
	if strings.TrimSpace(c.InstallerName) == "" {
		c.InstallerName = DefaultInstallerName
	}
	if c.RunOutputLimit <= 0 {
		c.RunOutputLimit = DefaultRunOutputLimit
	}
	if c.PortBase <= 0 {
		c.PortBase = DefaultPortBase
	}
	if c.PortCount < 0 {
		c.PortCount = 0
	}
	return c
}

// Manager is the registry of records plus the verb dispatcher. It must
// only be used from the reactor goroutine.
type Manager struct {
	cfg      Config
	reactor  *reactor.Reactor
	sink     logsink.Sink
	packages *pkgstore.Store
	runRoot  string
	records  map[string]*Record
	pids     map[int]*Record
	ports    *portPool
	shutdown bool
}

// New prepares the agent root (run, packages, logs) and an empty registry.
func New(r *reactor.Reactor, sink logsink.Sink, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("procman: root required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	for _, sub := range []string{"run", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("procman: mkdir %s: %w", sub, err)
		}
	}
	packages, err := pkgstore.Open(filepath.Join(root, "packages"))
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = logsink.Discard{}
	}
	return &Manager{
		cfg:      cfg,
		reactor:  r,
		sink:     sink,
		packages: packages,
		runRoot:  filepath.Join(root, "run"),
		records:  make(map[string]*Record),
		pids:     make(map[int]*Record),
		ports:    newPortPool(cfg.PortBase, cfg.PortCount),
	}, nil
}

func (m *Manager) Config() Config             { return m.cfg }
func (m *Manager) Packages() *pkgstore.Store  { return m.packages }
func (m *Manager) Reactor() *reactor.Reactor  { return m.reactor }
func (m *Manager) Record(name string) *Record { return m.records[name] }

func (m *Manager) ByPID(pid int) (*Record, bool) {
	rec, ok := m.pids[pid]
	return rec, ok
}

// Records returns every record sorted by name.
func (m *Manager) Records() []*Record {
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) lookup(name string) (*Record, error) {
	rec, ok := m.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchInstance, name)
	}
	return rec, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Watch subscribes fn to changes of rec until the watch is cancelled.
func (m *Manager) Watch(rec *Record, fn func(*Record)) *Watch {
	w := &Watch{fn: fn}
	rec.watchers = append(rec.watchers, w)
	return w
}

// notify queues every live watcher of rec as a zero-delay timer.
func (m *Manager) notify(rec *Record) {
	live := rec.watchers[:0]
	for _, w := range rec.watchers {
		if w.Cancelled() {
			continue
		}
		live = append(live, w)
		m.reactor.Schedule(reactor.HandlerFunc(func(reactor.Event) error {
			if !w.Cancelled() {
				w.fn(rec)
			}
			return nil
		}), 0)
	}
	for i := len(live); i < len(rec.watchers); i++ {
		rec.watchers[i] = nil
	}
	rec.watchers = live
}

// remove drops rec from the registry and tells its watchers.
func (m *Manager) remove(rec *Record) {
	if rec.destroyed {
		return
	}
	if m.records[rec.Name] == rec {
		delete(m.records, rec.Name)
	}
	if rec.PID > 0 && m.pids[rec.PID] == rec {
		delete(m.pids, rec.PID)
	}
	if rec.stopTimer != nil {
		rec.stopTimer.Cancel()
		rec.stopTimer = nil
	}
	rec.destroyed = true
	logging.Debugf("procman.remove instance=%q category=%s", rec.Name, rec.Category)
	m.notify(rec)
}

func (m *Manager) scheduleDestroy(rec *Record) {
	m.reactor.Schedule(reactor.HandlerFunc(func(reactor.Event) error {
		if !rec.Alive() && !rec.exited {
			m.remove(rec)
		}
		return nil
	}), 0)
}

func (m *Manager) environ(rec *Record) []string {
	env := os.Environ()
	env = append(env, "EDGEPROC_INSTANCE="+rec.Name, "EDGEPROC_RUN_DIR="+rec.RunDir)
	return append(env, rec.Env...)
}

// AllocPort hands out the next unused port of the pool.
func (m *Manager) AllocPort() (int, error) {
	return m.ports.Alloc()
}

// Close force-kills every live child. It is the agent's exit hook.
func (m *Manager) Close() {
	for _, rec := range m.records {
		if rec.Alive() {
			logging.Warnf("procman.Close killing instance=%q pid=%d", rec.Name, rec.PID)
			signalGroup(rec.PID, sigKill)
		}
	}
}
