package procman

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/edgeproc/internal/logging"
)

// Installer declaration prefixes read from the installer's stdout.
const (
	declCmdLine     = "cmd_line"
	declPortBinding = "port_binding"
	declPortsUsed   = "ports_used"
	declEnvVars     = "env_vars"
)

// handshake ties an installer record to the record it installs. Input is
// the parent's bindings as `name: value` lines; output is scanned for
// declarations.
type handshake struct {
	m            *Manager
	parent       *Record
	installer    *Record
	outputDone   bool
	truncated    bool
	declarations int
	skipped      int
}

func installerName(parent string) string { return parent + "/install" }

func (m *Manager) startInstaller(parent *Record, path, pkgDir string) error {
	name := installerName(parent.Name)
	if _, ok := m.records[name]; ok {
		return fmt.Errorf("%w: %s", ErrInstalling, name)
	}
	parent.Bindings["instance"] = StringBinding(parent.Name)
	parent.Bindings["run_dir"] = StringBinding(parent.RunDir)
	parent.Bindings["pkg_dir"] = StringBinding(pkgDir)
	parent.Bindings["port_base"] = IntBinding(m.ports.Next())
	parent.Bindings["port_count"] = IntBinding(m.ports.Remaining())

	inst := newRecord(name, CategoryInstaller)
	inst.Parent = parent
	inst.RunDir = parent.RunDir
	inst.Binary = path
	inst.Package = parent.Package
	inst.DestroyOnExit = true
	hs := &handshake{m: m, parent: parent, installer: inst}
	inst.handshake = hs

	m.records[name] = inst
	spec := spawnSpec{
		binary: path,
		dir:    parent.RunDir,
		env:    m.environ(parent),
		stdin:  hs.input(),
	}
	if err := m.spawn(inst, spec); err != nil {
		delete(m.records, name)
		inst.destroyed = true
		return err
	}
	inst.Status = StatusRunning
	logging.Infof("procman.install started instance=%q installer=%q pid=%d", parent.Name, path, inst.PID)
	return nil
}

// input renders every parent binding as a `name: value` line.
func (h *handshake) input() []byte {
	var buf bytes.Buffer
	for _, name := range h.parent.BindingNames() {
		fmt.Fprintf(&buf, "%s: %s\n", name, h.parent.Bindings[name])
	}
	return buf.Bytes()
}

// parseLine applies one declaration. Malformed lines are logged and
// skipped; they never fail the install on their own.
func (h *handshake) parseLine(line []byte) {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return
	}
	key, value, ok := strings.Cut(text, ":")
	if !ok {
		h.skip("missing separator", text)
		return
	}
	key = strings.TrimSpace(key)
	fields := strings.Fields(value)
	parent := h.parent

	switch key {
	case declCmdLine:
		if len(fields) == 0 {
			h.skip("empty command line", text)
			return
		}
		parent.Binary = fields[0]
		parent.Args = fields[1:]
	case declPortBinding:
		if len(fields) == 0 || len(fields)%2 != 0 {
			h.skip("port_binding needs name/port pairs", text)
			return
		}
		pairs := make(map[string]int, len(fields)/2)
		for i := 0; i < len(fields); i += 2 {
			port, err := strconv.Atoi(fields[i+1])
			if err != nil || port <= 0 || port > 65535 {
				h.skip("invalid port", text)
				return
			}
			pairs[fields[i]] = port
		}
		for name, port := range pairs {
			parent.Bindings[name] = IntBinding(port)
		}
	case declPortsUsed:
		if len(fields) != 1 {
			h.skip("ports_used needs one count", text)
			return
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 0 {
			h.skip("invalid ports_used", text)
			return
		}
		h.m.ports.Consume(parent.Name, n)
	case declEnvVars:
		for _, kv := range fields {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				h.skip("env var without name", kv)
				continue
			}
			parent.Env = append(parent.Env, kv)
		}
	default:
		logging.Debugf("procman.install ignored line instance=%q key=%q", parent.Name, key)
		return
	}
	h.declarations++
}

func (h *handshake) skip(reason, text string) {
	h.skipped++
	logging.Warnf("procman.install malformed declaration instance=%q reason=%q line=%q", h.parent.Name, reason, text)
}

func (h *handshake) outputClosed(truncated bool) {
	h.outputDone = true
	h.truncated = truncated
}

// completeInstall runs after the installer was reaped and its pipes
// drained. Success needs a clean end of output and exit status zero.
func (m *Manager) completeInstall(inst *Record) {
	hs := inst.handshake
	inst.handshake = nil
	parent := hs.parent
	if parent.destroyed {
		return
	}
	switch {
	case !hs.outputDone || hs.truncated:
		m.failInstall(parent, "installer output truncated")
	case inst.ExitStatus != 0:
		m.failInstall(parent, fmt.Sprintf("installer exit status %d", inst.ExitStatus))
	default:
		parent.Install = InstallOK
		parent.Status = StatusCreated
		logging.Infof("procman.install complete instance=%q declarations=%d skipped=%d binary=%q", parent.Name, hs.declarations, hs.skipped, parent.Binary)
		m.notify(parent)
	}
}

// failInstall marks the parent failed, notifies its watchers and destroys
// it.
func (m *Manager) failInstall(parent *Record, reason string) {
	logging.Warnf("procman.install failed instance=%q reason=%q", parent.Name, reason)
	parent.Install = InstallFailed
	parent.Status = StatusFailed
	m.notify(parent)
	m.remove(parent)
}
