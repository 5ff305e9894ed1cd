package bootstrap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/rpc"
)

const (
	DefaultRoot            = ".edgeproc"
	DefaultPort            = 7420
	DefaultStepTimeout     = 15 * time.Second
	DefaultTransferTimeout = 5 * time.Minute
	DefaultProbeAttempts   = 8
	AgentBinary            = "procd"

	base64LineWidth = 76
)

// Step names reported in StepError.
const (
	StepArch      = "arch"
	StepDirs      = "directories"
	StepCheck     = "check-binary"
	StepTransfer  = "transfer"
	StepLaunch    = "launch"
	StepLiveness  = "liveness"
	StepOpenShell = "open-shell"
)

// ErrStep matches every StepError via errors.Is.
var ErrStep = errors.New("bootstrap step failed")

type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error        { return e.Err }
func (e *StepError) Is(target error) bool { return target == ErrStep }

func stepErr(step string, err error) error {
	return &StepError{Step: step, Err: err}
}

// Prober checks that an agent answers on addr.
type Prober func(ctx context.Context, addr string) error

// RPCProbe dials addr and sends isalive.
func RPCProbe(ctx context.Context, addr string) error {
	client, err := rpc.Dial(ctx, addr, 3*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.Do(ctx, "isalive")
	return err
}

type Config struct {
	// Host is where the agent will listen; used for the liveness probe.
	Host string
	// Root is the remote working directory, relative to the login dir when
	// not absolute.
	Root     string
	Port     int
	Collator string
	// Binaries holds local agent builds named procd-<os>-<arch>. Binary,
	// when set, overrides the lookup for every arch.
	Binaries string
	Binary   string

	StepTimeout     time.Duration
	TransferTimeout time.Duration
	ProbeAttempts   int
	Backoff         BackoffConfig
	Probe           Prober
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Root) == "" {
		c.Root = DefaultRoot
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = DefaultProbeAttempts
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.Probe == nil {
		c.Probe = RPCProbe
	}
	return c
}

// localBinary picks the local agent build for arch.
func (c Config) localBinary(arch string) (string, error) {
	if c.Binary != "" {
		return c.Binary, nil
	}
	if c.Binaries == "" {
		return "", errors.New("no local agent binaries configured")
	}
	return filepath.Join(c.Binaries, AgentBinary+"-"+arch), nil
}

type Result struct {
	Arch        string
	Transferred bool
	PID         int
	Addr        string
}

// Run provisions and launches the agent over sh, then closes sh and probes
// the agent over RPC. Only the probe is retried.
func Run(ctx context.Context, sh Shell, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	x := newExchange(sh, cfg.StepTimeout)
	closed := false
	defer func() {
		if !closed {
			x.Close()
		}
	}()

	var res Result
	arch, err := detectArch(ctx, x)
	if err != nil {
		return res, stepErr(StepArch, err)
	}
	res.Arch = arch
	logging.Infof("bootstrap.Run host=%q arch=%s root=%q", cfg.Host, arch, cfg.Root)

	root := cfg.Root
	if err := makeDirs(ctx, x, root); err != nil {
		return res, stepErr(StepDirs, err)
	}

	local, err := cfg.localBinary(arch)
	if err != nil {
		return res, stepErr(StepCheck, err)
	}
	st, err := os.Stat(local)
	if err != nil {
		return res, stepErr(StepCheck, fmt.Errorf("local agent for %s: %w", arch, err))
	}
	remote := path.Join(root, "bin", AgentBinary)
	size, err := remoteSize(ctx, x, remote)
	if err != nil {
		return res, stepErr(StepCheck, err)
	}

	if size != st.Size() {
		logging.Infof("bootstrap.Run transferring agent local=%q bytes=%d remote_bytes=%d", local, st.Size(), size)
		if err := transfer(ctx, x, local, st.Size(), remote, cfg.TransferTimeout); err != nil {
			return res, stepErr(StepTransfer, err)
		}
		res.Transferred = true
	} else {
		logging.Infof("bootstrap.Run agent already present remote=%q bytes=%d", remote, size)
	}

	pid, err := launch(ctx, x, cfg, remote)
	if err != nil {
		return res, stepErr(StepLaunch, err)
	}
	res.PID = pid

	closed = true
	if err := x.Close(); err != nil {
		logging.Debugf("bootstrap.Run shell close err=%v", err)
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	res.Addr = net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	if err := probe(ctx, cfg, res.Addr); err != nil {
		return res, stepErr(StepLiveness, err)
	}
	logging.Infof("bootstrap.Run complete host=%q addr=%s pid=%d transferred=%t", cfg.Host, res.Addr, pid, res.Transferred)
	return res, nil
}

func detectArch(ctx context.Context, x *exchange) (string, error) {
	osName, err := x.output(ctx, "uname -s")
	if err != nil {
		return "", err
	}
	machine, err := x.output(ctx, "uname -m")
	if err != nil {
		return "", err
	}
	proc := ""
	translated := false
	if strings.EqualFold(osName, "Darwin") {
		proc, err = x.output(ctx, "uname -p")
		if err != nil {
			return "", err
		}
		// a shell running under Rosetta sees x86_64 and i386 from uname;
		// only sysctl.proc_translated reveals the arm host
		flag, err := x.output(ctx, "sysctl -n sysctl.proc_translated 2>/dev/null || echo 0")
		if err != nil {
			return "", err
		}
		translated = strings.TrimSpace(flag) == "1"
	}
	return archID(osName, machine, proc, translated), nil
}

// archID normalises uname output to <os>-<arch>.
func archID(osName, machine, proc string, translated bool) string {
	osName = strings.ToLower(strings.TrimSpace(osName))
	machine = strings.ToLower(strings.TrimSpace(machine))
	if osName == "darwin" {
		if translated || strings.HasPrefix(strings.ToLower(strings.TrimSpace(proc)), "arm") {
			return "darwin-arm64"
		}
		return "darwin-amd64"
	}
	switch machine {
	case "x86_64", "amd64":
		machine = "amd64"
	case "aarch64", "arm64":
		machine = "arm64"
	case "i386", "i686":
		machine = "386"
	default:
		if strings.HasPrefix(machine, "armv") {
			machine = "arm"
		}
	}
	return osName + "-" + machine
}

func makeDirs(ctx context.Context, x *exchange, root string) error {
	var dirs []string
	for _, sub := range []string{"bin", "run", "packages", "logs"} {
		dirs = append(dirs, shellEscape(path.Join(root, sub)))
	}
	probe := shellEscape(path.Join(root, "bin", ".write-test"))
	script := "mkdir -p " + strings.Join(dirs, " ") + " && : > " + probe + " && rm -f " + probe
	_, err := x.output(ctx, script)
	return err
}

// remoteSize returns -1 when the file does not exist.
func remoteSize(ctx context.Context, x *exchange, remote string) (int64, error) {
	q := shellEscape(remote)
	out, err := x.output(ctx, "if [ -f "+q+" ]; then wc -c < "+q+"; else echo -1; fi")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected size output %q", out)
	}
	return n, nil
}

func transfer(ctx context.Context, x *exchange, local string, size int64, remote string, timeout time.Duration) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	tmp := remote + ".partial"
	qtmp := shellEscape(tmp)
	eof := "EDGEPROC_" + x.marker
	script := "base64 -d > " + qtmp + " <<'" + eof + "'"
	body := func(w io.Writer) error {
		if err := writeBase64(w, f); err != nil {
			return err
		}
		_, err := io.WriteString(w, eof+"\n")
		return err
	}
	lines, status, err := x.runWithBody(ctx, script, body, timeout)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("decode exit status %d: %s", status, strings.Join(lines, " "))
	}
	got, err := remoteSize(ctx, x, tmp)
	if err != nil {
		return err
	}
	if got != size {
		_, _, _ = x.run(ctx, "rm -f "+qtmp)
		return fmt.Errorf("size mismatch after transfer: remote=%d local=%d", got, size)
	}
	_, err = x.output(ctx, "chmod 755 "+qtmp+" && mv -f "+qtmp+" "+shellEscape(remote))
	return err
}

// writeBase64 encodes r in fixed-width lines so no heredoc line grows
// unbounded.
func writeBase64(w io.Writer, r io.Reader) error {
	raw := make([]byte, base64LineWidth/4*3*64)
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	for {
		n, err := io.ReadFull(r, raw)
		if n > 0 {
			m := base64.StdEncoding.EncodedLen(n)
			base64.StdEncoding.Encode(enc, raw[:n])
			for off := 0; off < m; off += base64LineWidth {
				end := min(off+base64LineWidth, m)
				if _, werr := w.Write(append(enc[off:end:end], '\n')); werr != nil {
					return werr
				}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func launch(ctx context.Context, x *exchange, cfg Config, remote string) (int, error) {
	args := []string{"--port", strconv.Itoa(cfg.Port), "--root", cfg.Root,
		"--log-file", path.Join(cfg.Root, "logs", "procd.log")}
	if cfg.Collator != "" {
		args = append(args, "--collator", cfg.Collator)
	}
	out := shellEscape(path.Join(cfg.Root, "logs", "procd.out"))
	script := "nohup " + joinCommand(remote, args...) + " </dev/null >>" + out + " 2>&1 &\necho $!"
	text, err := x.output(ctx, script)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("unexpected pid output %q", text)
	}
	return pid, nil
}

func probe(ctx context.Context, cfg Config, addr string) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var last error
	for attempt := 1; attempt <= cfg.ProbeAttempts; attempt++ {
		if err := sleep(ctx, nextDelay(cfg.Backoff, attempt, rng)); err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, cfg.StepTimeout)
		last = cfg.Probe(pctx, addr)
		cancel()
		if last == nil {
			return nil
		}
		logging.Debugf("bootstrap.probe addr=%s attempt=%d err=%v", addr, attempt, last)
	}
	return fmt.Errorf("agent at %s not alive after %d attempts: %w", addr, cfg.ProbeAttempts, last)
}
