package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgeproc/internal/testutil/testlog"
)

func openLocal(t *testing.T) Shell {
	t.Helper()
	sh, err := StartLocal(context.Background())
	if err != nil {
		t.Fatalf("start local shell: %v", err)
	}
	return sh
}

// fakeAgent writes an executable that exits at once, padded with random
// bytes so the transfer is not plain text.
func fakeAgent(t *testing.T, dir string, pad int) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("#!/bin/sh\nexit 0\n")
	junk := make([]byte, pad)
	rand.New(rand.NewSource(int64(pad))).Read(junk)
	buf.WriteString("# ")
	buf.Write(junk)
	path := filepath.Join(dir, "procd-candidate")
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}
	return path
}

type probeCounter struct {
	calls int
	fail  int
}

func (p *probeCounter) probe(ctx context.Context, addr string) error {
	p.calls++
	if p.calls <= p.fail {
		return errors.New("connection refused")
	}
	return nil
}

func testConfig(t *testing.T, root, binary string, pc *probeCounter) Config {
	return Config{
		Root:          root,
		Port:          17420,
		Binary:        binary,
		StepTimeout:   5 * time.Second,
		ProbeAttempts: 4,
		Backoff:       BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
		Probe:         pc.probe,
	}
}

func TestExchangeStatusAndOutput(t *testing.T) {
	testlog.Start(t)
	x := newExchange(openLocal(t), 5*time.Second)
	defer x.Close()

	lines, status, err := x.run(context.Background(), "echo a; printf b; false")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 1 || strings.Join(lines, ",") != "a,b" {
		t.Fatalf("status=%d lines=%q", status, lines)
	}
	out, err := x.output(context.Background(), "echo 'x y' >&2")
	if err != nil || out != "x y" {
		t.Fatalf("stderr merge: out=%q err=%v", out, err)
	}
}

func TestExchangeTimeout(t *testing.T) {
	testlog.Start(t)
	x := newExchange(openLocal(t), 100*time.Millisecond)
	defer x.Close()
	_, _, err := x.run(context.Background(), "sleep 2")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestBootstrapTransfersOnlyWhenSizeDiffers(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	root := filepath.Join(dir, "remote")
	local := fakeAgent(t, dir, 10000)
	pc := &probeCounter{fail: 2}
	cfg := testConfig(t, root, local, pc)

	res, err := Run(context.Background(), openLocal(t), cfg)
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if !res.Transferred || res.PID <= 0 || res.Addr != "127.0.0.1:17420" {
		t.Fatalf("first result = %+v", res)
	}
	if runtime.GOOS == "linux" && !strings.HasPrefix(res.Arch, "linux-") {
		t.Fatalf("arch = %q", res.Arch)
	}
	if pc.calls != 3 {
		t.Fatalf("probe calls = %d, want 3", pc.calls)
	}
	want, _ := os.ReadFile(local)
	got, err := os.ReadFile(filepath.Join(root, "bin", AgentBinary))
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("remote binary differs (err=%v)", err)
	}
	st, _ := os.Stat(filepath.Join(root, "bin", AgentBinary))
	if st.Mode().Perm()&0o100 == 0 {
		t.Fatalf("remote binary not executable: %v", st.Mode())
	}
	for _, sub := range []string{"run", "packages", "logs"} {
		if _, err := os.Stat(filepath.Join(root, sub)); err != nil {
			t.Fatalf("missing %s: %v", sub, err)
		}
	}

	res, err = Run(context.Background(), openLocal(t), cfg)
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if res.Transferred {
		t.Fatalf("same size should skip transfer")
	}

	cfg.Binary = fakeAgent(t, dir, 12000)
	res, err = Run(context.Background(), openLocal(t), cfg)
	if err != nil {
		t.Fatalf("third bootstrap: %v", err)
	}
	if !res.Transferred {
		t.Fatalf("size change should transfer")
	}
}

func TestBootstrapStepFailures(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	local := fakeAgent(t, dir, 100)

	cfg := testConfig(t, "/proc/edgeproc-denied", local, &probeCounter{})
	_, err := Run(context.Background(), openLocal(t), cfg)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepDirs || !errors.Is(err, ErrStep) {
		t.Fatalf("unwritable root err = %v", err)
	}

	cfg = testConfig(t, filepath.Join(dir, "r1"), filepath.Join(dir, "missing"), &probeCounter{})
	_, err = Run(context.Background(), openLocal(t), cfg)
	if !errors.As(err, &se) || se.Step != StepCheck {
		t.Fatalf("missing local binary err = %v", err)
	}

	pc := &probeCounter{fail: 100}
	cfg = testConfig(t, filepath.Join(dir, "r2"), local, pc)
	_, err = Run(context.Background(), openLocal(t), cfg)
	if !errors.As(err, &se) || se.Step != StepLiveness {
		t.Fatalf("dead agent err = %v", err)
	}
	if pc.calls != cfg.ProbeAttempts {
		t.Fatalf("probe calls = %d, want %d", pc.calls, cfg.ProbeAttempts)
	}
}

func TestArchID(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		os, machine, proc string
		translated        bool
		want              string
	}{
		{"Linux", "x86_64", "", false, "linux-amd64"},
		{"Linux", "aarch64", "", false, "linux-arm64"},
		{"Linux", "armv7l", "", false, "linux-arm"},
		{"Darwin", "arm64", "arm", false, "darwin-arm64"},
		{"Darwin", "x86_64", "i386", false, "darwin-amd64"},
		{"Darwin", "x86_64", "i386", true, "darwin-arm64"},
		{"FreeBSD", "amd64", "", false, "freebsd-amd64"},
	}
	for _, tc := range cases {
		if got := archID(tc.os, tc.machine, tc.proc, tc.translated); got != tc.want {
			t.Fatalf("archID(%q,%q,%q,%t) = %q, want %q", tc.os, tc.machine, tc.proc, tc.translated, got, tc.want)
		}
	}
}

func TestNextDelayCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	if d := nextDelay(cfg, 1, nil); d != 100*time.Millisecond {
		t.Fatalf("attempt 1 = %v", d)
	}
	if d := nextDelay(cfg, 2, nil); d != 200*time.Millisecond {
		t.Fatalf("attempt 2 = %v", d)
	}
	if d := nextDelay(cfg, 5, nil); d != 300*time.Millisecond {
		t.Fatalf("attempt 5 = %v", d)
	}
}
