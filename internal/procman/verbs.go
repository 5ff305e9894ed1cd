package procman

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/rpc"
)

// Dispatch routes one request to its verb handler.
func (m *Manager) Dispatch(call *rpc.Call) {
	logging.Debugf("procman.Dispatch verb=%q id=%q args=%d remote=%q", call.Verb(), call.ID(), len(call.Args()), call.Remote())
	switch call.Verb() {
	case "create":
		m.verbCreate(call)
	case "start":
		m.verbStart(call)
	case "stop":
		m.verbStop(call)
	case "destroy":
		m.verbDestroy(call)
	case "wait":
		m.verbWait(call)
	case "run":
		m.verbRun(call)
	case "install":
		m.verbInstall(call)
	case "take-pkg", "take-package":
		m.verbTakePackage(call)
	case "show-packages":
		m.verbShowPackages(call)
	case "get-file":
		m.verbGetFile(call)
	case "put-file":
		m.verbPutFile(call)
	case "stat-file":
		m.verbStatFile(call)
	case "query":
		m.verbQuery(call)
	case "log-get":
		m.verbLogGet(call)
	case "alloc-port":
		m.verbAllocPort(call)
	case "isalive":
		call.OK(fmt.Sprintf("alive %d", os.Getpid()))
	case "shutdown":
		m.verbShutdown(call)
	case "exit":
		call.OK("bye")
		call.CloseAfterReply()
	default:
		call.Failf("unknown verb: %s", call.Verb())
	}
}

func needArgs(call *rpc.Call, n int, usage string) bool {
	if len(call.Args()) < n {
		call.Failf("%v: usage: %s %s", ErrBadArgs, call.Verb(), usage)
		return false
	}
	return true
}

func (m *Manager) verbCreate(call *rpc.Call) {
	if !needArgs(call, 1, "<name> [pkg=P] [bin=B] [arg=A]... [env=K=V]... [dir=D] [destroy-on-exit=1] [category=C]") {
		return
	}
	if m.shutdown {
		call.Failf("agent is shutting down")
		return
	}
	spec := CreateSpec{Name: call.Arg(0)}
	for _, opt := range call.Args()[1:] {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			call.Failf("%v: option %q is not key=value", ErrBadArgs, opt)
			return
		}
		switch key {
		case "pkg", "package":
			spec.Package = value
		case "bin", "binary":
			spec.Binary = value
		case "arg":
			spec.Args = append(spec.Args, value)
		case "env":
			spec.Env = append(spec.Env, value)
		case "dir":
			spec.Dir = value
		case "destroy-on-exit":
			spec.DestroyOnExit = value == "1" || value == "true"
		case "category":
			cat, ok := parseCategory(value)
			if !ok {
				call.Failf("%v: category %q", ErrBadArgs, value)
				return
			}
			spec.Category = cat
		default:
			call.Failf("%v: unknown option %q", ErrBadArgs, key)
			return
		}
	}
	m.Create(spec, func(rec *Record, err error) {
		if err != nil {
			call.Fail(err)
			return
		}
		call.OK("created")
	})
}

func (m *Manager) verbStart(call *rpc.Call) {
	if !needArgs(call, 1, "<name>") {
		return
	}
	pid, err := m.Start(call.Arg(0))
	if err != nil {
		call.Fail(err)
		return
	}
	call.OK(strconv.Itoa(pid))
}

func (m *Manager) verbStop(call *rpc.Call) {
	if !needArgs(call, 1, "<name>") {
		return
	}
	m.Stop(call.Arg(0), func(outcome StopOutcome, status int, err error) {
		if err != nil {
			call.Fail(err)
			return
		}
		switch outcome {
		case StopAlreadyStopped:
			call.OK("already stopped " + strconv.Itoa(status))
		case StopNotRunning:
			call.OK("not running")
		default:
			call.OK(strconv.Itoa(status))
		}
	})
}

func (m *Manager) verbDestroy(call *rpc.Call) {
	if !needArgs(call, 1, "<name>") {
		return
	}
	if err := m.Destroy(call.Arg(0)); err != nil {
		call.Fail(err)
		return
	}
	call.OK("destroyed")
}

func (m *Manager) verbWait(call *rpc.Call) {
	if !needArgs(call, 1, "<name>") {
		return
	}
	m.WaitSettled(call.Arg(0), func(rec *Record, err error) {
		switch {
		case err != nil:
			call.Fail(err)
		case rec.destroyed:
			call.OK("destroyed")
		default:
			call.OK(formatStatus(rec))
		}
	})
}

func (m *Manager) verbRun(call *rpc.Call) {
	args := call.Args()
	spec := RunSpec{}
	for len(args) > 0 {
		switch {
		case args[0] == "-p":
			spec.SearchPath = true
		case strings.HasPrefix(args[0], "dir="):
			spec.Dir = strings.TrimPrefix(args[0], "dir=")
		default:
			spec.Binary = args[0]
			spec.Args = args[1:]
			args = nil
			continue
		}
		args = args[1:]
	}
	if spec.Binary == "" {
		call.Failf("%v: usage: run [-p] [dir=D] <binary> [args...]", ErrBadArgs)
		return
	}
	m.Run(spec, func(status int, output string, err error) {
		if err != nil {
			call.Fail(err)
			return
		}
		if status != 0 {
			call.Reply(1, output)
			return
		}
		call.OK(output)
	})
}

func (m *Manager) verbQuery(call *rpc.Call) {
	if !needArgs(call, 2, "<name|glob> <field>") {
		return
	}
	pattern, field := call.Arg(0), call.Arg(1)
	if !strings.ContainsAny(pattern, "*?[") {
		rec, err := m.lookup(pattern)
		if err != nil {
			call.Fail(err)
			return
		}
		value, err := queryField(rec, field)
		if err != nil {
			call.Fail(err)
			return
		}
		call.OK(value)
		return
	}
	if _, err := path.Match(pattern, ""); err != nil {
		call.Failf("%v: pattern %q: %v", ErrBadArgs, pattern, err)
		return
	}
	var lines []string
	for _, rec := range m.Records() {
		if ok, _ := path.Match(pattern, rec.Name); !ok {
			continue
		}
		value, err := queryField(rec, field)
		if err != nil {
			continue
		}
		lines = append(lines, rec.Name+" "+value)
	}
	call.OK(strings.Join(lines, "\n"))
}

func queryField(rec *Record, field string) (string, error) {
	switch field {
	case "pid":
		return strconv.Itoa(rec.PID), nil
	case "exit":
		return strconv.Itoa(rec.ExitStatus), nil
	case "status":
		return rec.Status.String(), nil
	case "install":
		return rec.Install.String(), nil
	case "category":
		return rec.Category.String(), nil
	case "rundir":
		return rec.RunDir, nil
	case "cmdline":
		return strings.TrimSpace(rec.Binary + " " + strings.Join(rec.Args, " ")), nil
	case "bindings":
		var parts []string
		for _, name := range rec.BindingNames() {
			parts = append(parts, name+"="+rec.Bindings[name].String())
		}
		return strings.Join(parts, " "), nil
	}
	if key, ok := strings.CutPrefix(field, "binding:"); ok {
		b, ok := rec.Bindings[key]
		if !ok {
			return "", fmt.Errorf("%w: %s %s", ErrNoSuchBinding, rec.Name, key)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("%w: unknown field %q", ErrBadArgs, field)
}

func (m *Manager) verbAllocPort(call *rpc.Call) {
	port, err := m.AllocPort()
	if err != nil {
		call.Fail(err)
		return
	}
	call.OK(strconv.Itoa(port))
}

func (m *Manager) verbShutdown(call *rpc.Call) {
	logging.Infof("procman.shutdown requested remote=%q", call.Remote())
	m.StopAll(func() {
		call.OK("shutdown")
		call.ExitAfterReply(0)
	})
}

func (m *Manager) verbShowPackages(call *rpc.Call) {
	pkgs, err := m.packages.List()
	if err != nil {
		call.Fail(err)
		return
	}
	lines := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		files := make([]string, 0, len(p.Files))
		for _, f := range p.Files {
			files = append(files, fmt.Sprintf("%s:%d:%s", f.Name, f.Size, f.Digest))
		}
		sort.Strings(files)
		current := p.Current
		if current == "" {
			current = "-"
		}
		lines = append(lines, fmt.Sprintf("%s current=%s files=%s", p.Name, current, strings.Join(files, ",")))
	}
	call.OK(strings.Join(lines, "\n"))
}

func (m *Manager) verbInstall(call *rpc.Call) {
	if !needArgs(call, 2, "<pkg> <file>") {
		return
	}
	dir, err := m.packages.Install(call.Arg(0), call.Arg(1))
	if err != nil {
		call.Fail(err)
		return
	}
	call.OK(dir)
}

// parseSize validates a payload length token. A bad length is a framing
// error: the caller aborts the connection.
func parseSize(tok string) (int64, error) {
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("malformed payload size " + strconv.Quote(tok))
	}
	return n, nil
}

// discard consumes a payload the handler cannot use, then fails the call.
func discard(call *rpc.Call, size int64, cause error) {
	call.ReceivePayload(size, nil, func(error) { call.Fail(cause) })
}
