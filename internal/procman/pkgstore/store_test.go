package pkgstore

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/edgeproc/internal/testutil/testlog"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type entry struct {
	name string
	body string
	mode int64
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(data)
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	_, _ = zw.Write(data)
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func upload(t *testing.T, s *Store, pkg, file string, data []byte) FileInfo {
	t.Helper()
	u, err := s.Receive(pkg, file)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	// split writes the way payload chunks arrive
	half := len(data) / 2
	if _, err := u.Write(data[:half]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := u.Write(data[half:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := u.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return info
}

func TestInstallTarGzipActivatesVersion(t *testing.T) {
	testlog.Start(t)
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	archive := gzipBytes(t, tarBytes(t, []entry{
		{name: "install", body: "#!/bin/sh\necho cmd_line: ./srv\n", mode: 0o755},
		{name: "bin/srv", body: "binary", mode: 0o644},
	}))
	info := upload(t, s, "web", "web.tar.gz", archive)
	if info.Size != int64(len(archive)) || len(info.Digest) != 64 {
		t.Fatalf("unexpected upload info %+v", info)
	}

	dir, err := s.Install("web", "web.tar.gz")
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	cur, err := s.Current("web")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur != dir {
		t.Fatalf("current=%q want %q", cur, dir)
	}
	st, err := os.Stat(filepath.Join(cur, "install"))
	if err != nil {
		t.Fatalf("stat installer: %v", err)
	}
	if st.Mode().Perm()&0o100 == 0 {
		t.Fatalf("installer lost exec bit: %v", st.Mode())
	}
	if data, _ := os.ReadFile(filepath.Join(cur, "bin", "srv")); string(data) != "binary" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestReinstallSwapsCurrent(t *testing.T) {
	testlog.Start(t)
	s, _ := Open(t.TempDir())
	upload(t, s, "db", "db.tar.zst", zstdBytes(t, tarBytes(t, []entry{{name: "v", body: "1", mode: 0o644}})))
	first, err := s.Install("db", "db.tar.zst")
	if err != nil {
		t.Fatalf("install v1: %v", err)
	}
	upload(t, s, "db", "db.tar.zst", zstdBytes(t, tarBytes(t, []entry{{name: "v", body: "2", mode: 0o644}})))
	second, err := s.Install("db", "db.tar.zst")
	if err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if first == second {
		t.Fatalf("expected a new version directory")
	}
	cur, _ := s.Current("db")
	if data, _ := os.ReadFile(filepath.Join(cur, "v")); string(data) != "2" {
		t.Fatalf("current points at stale version: %q", data)
	}
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("old version removed: %v", err)
	}
}

func TestInstallPlainFileIsExecutable(t *testing.T) {
	testlog.Start(t)
	s, _ := Open(t.TempDir())
	upload(t, s, "tool", "tool", []byte("#!/bin/sh\nexit 0\n"))
	dir, err := s.Install("tool", "tool")
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	st, err := os.Stat(filepath.Join(dir, "tool"))
	if err != nil || st.Mode().Perm()&0o100 == 0 {
		t.Fatalf("plain file not executable: %v %v", st, err)
	}
}

func TestInstallRejectsEscapingEntries(t *testing.T) {
	testlog.Start(t)
	s, _ := Open(t.TempDir())
	upload(t, s, "evil", "evil.tar", tarBytes(t, []entry{{name: "../../outside", body: "x", mode: 0o644}}))
	if _, err := s.Install("evil", "evil.tar"); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
	if _, err := s.Current("evil"); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("failed install must not activate, got %v", err)
	}
}

func TestReceiveRejectsBadNames(t *testing.T) {
	testlog.Start(t)
	s, _ := Open(t.TempDir())
	for _, name := range []string{"", "..", "a/b"} {
		if _, err := s.Receive(name, "f"); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("pkg %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestListReportsFilesAndDigests(t *testing.T) {
	testlog.Start(t)
	s, _ := Open(t.TempDir())
	a := upload(t, s, "alpha", "a.bin", []byte("aaaa"))
	upload(t, s, "beta", "b.bin", []byte("bb"))
	if _, err := s.Install("alpha", "a.bin"); err != nil {
		t.Fatalf("install: %v", err)
	}
	u, _ := s.Receive("beta", "discarded")
	_, _ = io.WriteString(u, "partial")
	u.Discard()

	pkgs, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pkgs) != 2 || pkgs[0].Name != "alpha" || pkgs[1].Name != "beta" {
		t.Fatalf("unexpected packages %+v", pkgs)
	}
	if pkgs[0].Current == "" || pkgs[1].Current != "" {
		t.Fatalf("unexpected activation state %+v", pkgs)
	}
	if len(pkgs[0].Files) != 1 || pkgs[0].Files[0] != a {
		t.Fatalf("alpha files %+v want %+v", pkgs[0].Files, a)
	}
	if len(pkgs[1].Files) != 1 {
		t.Fatalf("discarded upload listed: %+v", pkgs[1].Files)
	}
}
