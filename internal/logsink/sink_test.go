package logsink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgeproc/internal/reactor"
	"github.com/danmuck/edgeproc/internal/rpc"
	"github.com/danmuck/edgeproc/internal/testutil/testlog"
)

func TestFileSinkFormatsLines(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sink.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	sink.Line("web 1", "stdout", []byte("listening on 9100\r\n"))
	sink.Line("web 1", "stderr", []byte("warn"))
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	sink.Line("web 1", "stdout", []byte("after close"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "2026-03-01T12:00:00Z web 1 stdout: listening on 9100\n" +
		"2026-03-01T12:00:00Z web 1 stderr: warn\n"
	if string(data) != want {
		t.Fatalf("log file\n got=%q\nwant=%q", data, want)
	}
}

func startCollator(t *testing.T, out *FileSink) (*rpc.Server, func()) {
	t.Helper()
	r, err := reactor.New(reactor.WithMaxWait(20 * time.Millisecond))
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	srv, err := rpc.Listen(r, "127.0.0.1:0", NewCollator(out))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run()
	}()
	return srv, func() {
		r.Post(func() { r.RequestExit(0) })
		<-done
		_ = r.Close()
	}
}

func TestRemoteSinkDeliversToCollator(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "collated.log")
	out, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer out.Close()
	srv, stop := startCollator(t, out)
	defer stop()

	r, err := reactor.New(reactor.WithMaxWait(20 * time.Millisecond))
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sink, err := DialRemote(ctx, r, srv.Addr().String(), "host-a", RemoteOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("dial remote: %v", err)
	}
	sink.Line("db", "stdout", []byte("ready"))
	sink.Line("db", "stderr", []byte("slow query"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.Pending() > 0 && time.Now().Before(deadline) {
		if err := r.RunOnce(); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(path)
		if strings.Count(string(data), "\n") >= 2 {
			if !strings.Contains(string(data), " host-a db stdout: ready\n") {
				t.Fatalf("missing stdout line in %q", data)
			}
			if !strings.Contains(string(data), " host-a db stderr: slow query\n") {
				t.Fatalf("missing stderr line in %q", data)
			}
			_ = sink.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("collator did not record lines")
}

func TestRemoteSinkDropsOldestWhenFull(t *testing.T) {
	testlog.Start(t)
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	defer r.Close()
	p := &reactor.Participant{FD: -1}
	s := &RemoteSink{reactor: r, p: p, maxQueued: 2, fallback: Discard{}}
	s.Line("a", "stdout", []byte("1"))
	s.Line("a", "stdout", []byte("2"))
	s.Line("a", "stdout", []byte("3"))
	if s.Pending() != 2 || s.Dropped() != 1 {
		t.Fatalf("pending=%d dropped=%d", s.Pending(), s.Dropped())
	}
	if got := string(s.queue[0]); got != "a stdout: 2\n" {
		t.Fatalf("oldest kept line %q", got)
	}
}
