package procman

import (
	"os/exec"
	"sort"
	"strconv"

	"github.com/danmuck/edgeproc/internal/reactor"
)

type Category int

const (
	CategoryManaged Category = iota
	CategoryInstaller
	CategoryUtility
)

func (c Category) String() string {
	switch c {
	case CategoryManaged:
		return "managed"
	case CategoryInstaller:
		return "installer"
	case CategoryUtility:
		return "utility"
	default:
		return "unknown"
	}
}

func parseCategory(s string) (Category, bool) {
	switch s {
	case "", "managed":
		return CategoryManaged, true
	case "utility":
		return CategoryUtility, true
	default:
		return 0, false
	}
}

type Status int

const (
	StatusCreated Status = iota
	StatusInstalling
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusInstalling:
		return "installing"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether the record is not waiting on a process.
func (s Status) Settled() bool {
	return s != StatusInstalling && s != StatusRunning && s != StatusStopping
}

type InstallResult int

const (
	InstallNone InstallResult = iota
	InstallPending
	InstallOK
	InstallFailed
)

func (r InstallResult) String() string {
	switch r {
	case InstallNone:
		return "none"
	case InstallPending:
		return "pending"
	case InstallOK:
		return "ok"
	case InstallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Binding is a string or integer value published for dependents.
type Binding struct {
	Str   string
	Int   int
	IsInt bool
}

func StringBinding(s string) Binding { return Binding{Str: s} }
func IntBinding(n int) Binding       { return Binding{Int: n, IsInt: true} }

func (b Binding) String() string {
	if b.IsInt {
		return strconv.Itoa(b.Int)
	}
	return b.Str
}

// Watch is a cancellable subscription to record changes. Callbacks always
// arrive through a zero-delay timer, never inside the dispatch that caused
// the change.
type Watch struct {
	reactor.Cancellable
	fn func(*Record)
}

// Record is one managed OS process.
type Record struct {
	Name          string
	Category      Category
	Status        Status
	PID           int
	ExitStatus    int
	RunDir        string
	Binary        string
	Args          []string
	Env           []string
	Package       string
	Parent        *Record
	Bindings      map[string]Binding
	DestroyOnExit bool
	Install       InstallResult

	watchers  []*Watch
	destroyed bool

	cmd        *exec.Cmd
	streams    []*stream
	exited     bool
	exitCode   int
	drainTimer *reactor.Timer

	stopTimer   *reactor.Timer
	stopKilled  bool
	stopWaiters []func(status int, err error)
	handshake   *handshake
	capture     *boundedBuffer
	onFinish    func(*Record)
}

func newRecord(name string, cat Category) *Record {
	return &Record{
		Name:     name,
		Category: cat,
		Status:   StatusCreated,
		PID:      -1,
		Bindings: make(map[string]Binding),
	}
}

// Destroyed reports whether the record left the manager.
func (r *Record) Destroyed() bool { return r.destroyed }

// Alive reports whether an OS process for the record has not been reaped.
func (r *Record) Alive() bool { return r.cmd != nil }

// BindingNames returns binding keys in sorted order.
func (r *Record) BindingNames() []string {
	names := make([]string, 0, len(r.Bindings))
	for k := range r.Bindings {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// boundedBuffer keeps at most limit bytes of captured output.
type boundedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *boundedBuffer) appendLine(line []byte) {
	if b.truncated {
		return
	}
	if len(b.buf)+len(line)+1 > b.limit {
		b.truncated = true
		return
	}
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "[output truncated]"
	}
	return string(b.buf)
}
