package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgeproc/internal/bootstrap"
	"github.com/danmuck/edgeproc/internal/procman"
	"github.com/danmuck/edgeproc/internal/reactor"
	"github.com/danmuck/edgeproc/internal/rpc"
	"github.com/danmuck/edgeproc/internal/testutil/testlog"
)

// startAgent runs a manager behind an RPC server and returns its address.
func startAgent(t *testing.T) string {
	t.Helper()
	r, err := reactor.New(reactor.WithMaxWait(50 * time.Millisecond))
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	m, err := procman.New(r, nil, procman.Config{Root: t.TempDir(), StopWait: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	s, err := rpc.Listen(r, "127.0.0.1:0", m)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run()
	}()
	t.Cleanup(func() {
		r.Post(func() {
			m.Close()
			r.RequestExit(0)
		})
		<-done
		_ = r.Close()
	})
	return s.Addr().String()
}

func TestInstanceLifecycleThroughRegistry(t *testing.T) {
	testlog.Start(t)
	addr := startAgent(t)
	reg := New()
	defer reg.Close()
	ctx := context.Background()

	if _, err := reg.Connect(ctx, Host{Name: "edge1", Addr: addr}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := reg.Create(ctx, "edge1", "svc", "bin=/bin/sleep", "arg=30"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Create(ctx, "edge1", "svc"); !errors.Is(err, ErrInstanceExists) {
		t.Fatalf("duplicate create err = %v", err)
	}
	pid, err := reg.Start(ctx, "svc")
	if err != nil || pid <= 0 {
		t.Fatalf("start pid=%d err=%v", pid, err)
	}
	if got, err := reg.Query(ctx, "svc", "status"); err != nil || got != "running" {
		t.Fatalf("status = %q err=%v", got, err)
	}
	if _, err := reg.Binding(ctx, "svc", "http"); err == nil {
		t.Fatalf("expected missing binding error")
	}
	if got, err := reg.Stop(ctx, "svc"); err != nil || got != "143" {
		t.Fatalf("stop = %q err=%v", got, err)
	}
	if got, err := reg.Wait(ctx, "svc"); err != nil || got != "stopped 143" {
		t.Fatalf("wait = %q err=%v", got, err)
	}
	if err := reg.Destroy(ctx, "svc"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := reg.Start(ctx, "svc"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("start after destroy err = %v", err)
	}
	if len(reg.Instances()) != 0 {
		t.Fatalf("instances = %v", reg.Instances())
	}
}

func TestPushPackageSkipsUnchanged(t *testing.T) {
	testlog.Start(t)
	addr := startAgent(t)
	reg := New()
	defer reg.Close()
	ctx := context.Background()
	if _, err := reg.Connect(ctx, Host{Name: "edge1", Addr: addr}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	local := filepath.Join(t.TempDir(), "install")
	script := "#!/bin/sh\ncat >/dev/null\necho 'cmd_line: /bin/sleep 30'\necho 'port_binding: http 9100'\n"
	if err := os.WriteFile(local, []byte(script), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, uploaded, err := reg.PushPackage(ctx, "edge1", "web", local)
	if err != nil || !uploaded || info.Size != int64(len(script)) {
		t.Fatalf("first push info=%+v uploaded=%t err=%v", info, uploaded, err)
	}
	_, uploaded, err = reg.PushPackage(ctx, "edge1", "web", local)
	if err != nil || uploaded {
		t.Fatalf("second push uploaded=%t err=%v", uploaded, err)
	}

	// a fresh registry learns the remote state from show-packages
	reg2 := New()
	defer reg2.Close()
	if _, err := reg2.Connect(ctx, Host{Name: "edge1", Addr: addr}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, uploaded, err = reg2.PushPackage(ctx, "edge1", "web", local)
	if err != nil || uploaded {
		t.Fatalf("push from fresh registry uploaded=%t err=%v", uploaded, err)
	}

	if err := reg.Create(ctx, "edge1", "web1", "pkg=web"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, err := reg.Binding(ctx, "web1", "http"); err != nil || got != "9100" {
		t.Fatalf("binding = %q err=%v", got, err)
	}
}

type fakeShell struct{ closed bool }

func (f *fakeShell) Read([]byte) (int, error)    { return 0, errors.New("unused") }
func (f *fakeShell) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeShell) Close() error                { f.closed = true; return nil }

func TestConnectBootstrapsOnce(t *testing.T) {
	testlog.Start(t)
	addr := startAgent(t)
	up := false
	boots := 0
	var gotCfg bootstrap.Config
	reg := New(
		WithDialer(func(ctx context.Context, a string) (*rpc.Client, error) {
			if !up {
				return nil, errors.New("connection refused")
			}
			return rpc.Dial(ctx, a, 5*time.Second)
		}),
		WithBootstrapper(func(ctx context.Context, sh bootstrap.Shell, cfg bootstrap.Config) (bootstrap.Result, error) {
			boots++
			gotCfg = cfg
			up = true
			return bootstrap.Result{Arch: "linux-amd64", Transferred: true, PID: 42, Addr: addr}, nil
		}),
	)
	defer reg.Close()
	sh := &fakeShell{}
	host := Host{
		Name:  "edge2",
		Addr:  addr,
		Shell: func(context.Context) (bootstrap.Shell, error) { return sh, nil },
	}
	hc, err := reg.Connect(context.Background(), host)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if boots != 1 || hc.Arch != "linux-amd64" {
		t.Fatalf("boots=%d arch=%q", boots, hc.Arch)
	}
	if gotCfg.Host != "127.0.0.1" || gotCfg.Port == 0 {
		t.Fatalf("bootstrap cfg = %+v", gotCfg)
	}
	if _, err := hc.Do(context.Background(), "isalive"); err != nil {
		t.Fatalf("isalive: %v", err)
	}

	// the same host is never bootstrapped twice
	_ = hc.Client().Close()
	up = false
	if _, err := hc.Do(context.Background(), "isalive"); err == nil {
		t.Fatalf("closed client should fail")
	}
	if _, err := reg.Connect(context.Background(), host); err == nil || boots != 1 {
		t.Fatalf("reconnect err=%v boots=%d", err, boots)
	}
	up = true
	if _, err := reg.Connect(context.Background(), host); err != nil {
		t.Fatalf("reconnect after recovery: %v", err)
	}
}

func TestConnectWithoutShellFails(t *testing.T) {
	testlog.Start(t)
	reg := New(WithDialer(func(context.Context, string) (*rpc.Client, error) {
		return nil, errors.New("connection refused")
	}))
	_, err := reg.Connect(context.Background(), Host{Name: "dark", Addr: "127.0.0.1:1"})
	if err == nil || !strings.Contains(err.Error(), "dark") {
		t.Fatalf("err = %v", err)
	}
}

func TestParsePackages(t *testing.T) {
	testlog.Start(t)
	got := parsePackages("web current=/a files=install:10:abc,app.tgz:20:def\nempty current=- files=")
	if len(got["web"]) != 2 || got["web"][1].Digest != "def" || got["web"][1].Size != 20 {
		t.Fatalf("web = %+v", got["web"])
	}
	if files, ok := got["empty"]; !ok || len(files) != 0 {
		t.Fatalf("empty = %+v ok=%t", files, ok)
	}
}
