package procman

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/rpc"
)

const (
	defaultLogLines = 100
	maxLogTail      = 1 << 20
	maxGetFile      = 256 << 20
)

// resolvePath anchors relative paths at the agent root.
func (m *Manager) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(m.cfg.Root, p)
}

func (m *Manager) verbTakePackage(call *rpc.Call) {
	if len(call.Args()) != 3 {
		call.Abort("take-pkg needs <pkg> <file> <size>")
		return
	}
	pkg, file := call.Arg(0), call.Arg(1)
	size, err := parseSize(call.Arg(2))
	if err != nil {
		call.Abort(err.Error())
		return
	}
	up, err := m.packages.Receive(pkg, file)
	if err != nil {
		discard(call, size, err)
		return
	}
	call.ReceivePayload(size, func(p []byte) error {
		_, err := up.Write(p)
		return err
	}, func(err error) {
		if err != nil {
			up.Discard()
			call.Fail(err)
			return
		}
		info, err := up.Commit()
		if err != nil {
			call.Fail(err)
			return
		}
		logging.Infof("procman.take-pkg package=%q file=%q size=%d digest=%s", pkg, file, info.Size, info.Digest)
		call.OK(info.Digest)
	})
}

func (m *Manager) verbGetFile(call *rpc.Call) {
	if !needArgs(call, 1, "<path>") {
		return
	}
	path := m.resolvePath(call.Arg(0))
	st, err := os.Stat(path)
	if err != nil {
		call.Fail(err)
		return
	}
	if !st.Mode().IsRegular() {
		call.Failf("get-file: %s is not a regular file", path)
		return
	}
	if st.Size() > maxGetFile {
		call.Failf("get-file: %s is larger than %d bytes", path, maxGetFile)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		call.Fail(err)
		return
	}
	call.ReplyWithPayload(0, strconv.Itoa(len(data)), data)
}

func (m *Manager) verbPutFile(call *rpc.Call) {
	args := call.Args()
	if len(args) != 2 && len(args) != 3 {
		call.Abort("put-file needs <path> <size> [mode]")
		return
	}
	size, err := parseSize(args[1])
	if err != nil {
		call.Abort(err.Error())
		return
	}
	mode := os.FileMode(0o644)
	if len(args) == 3 {
		v, err := strconv.ParseUint(args[2], 8, 32)
		if err != nil {
			discard(call, size, fmt.Errorf("%w: mode %q", ErrBadArgs, args[2]))
			return
		}
		mode = os.FileMode(v) & os.ModePerm
	}
	path := m.resolvePath(args[0])
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		discard(call, size, err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		discard(call, size, err)
		return
	}
	call.ReceivePayload(size, func(p []byte) error {
		_, err := tmp.Write(p)
		return err
	}, func(err error) {
		if err == nil {
			err = tmp.Chmod(mode)
		}
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			err = os.Rename(tmp.Name(), path)
		}
		if err != nil {
			os.Remove(tmp.Name())
			call.Fail(err)
			return
		}
		logging.Debugf("procman.put-file path=%q size=%d mode=%o", path, size, mode)
		call.OK(strconv.FormatInt(size, 10))
	})
}

func (m *Manager) verbStatFile(call *rpc.Call) {
	if !needArgs(call, 1, "<path>") {
		return
	}
	st, err := os.Stat(m.resolvePath(call.Arg(0)))
	if err != nil {
		call.Fail(err)
		return
	}
	call.OK(fmt.Sprintf("%d %o %d", st.Size(), st.Mode().Perm(), st.ModTime().Unix()))
}

func (m *Manager) verbLogGet(call *rpc.Call) {
	n := defaultLogLines
	path := m.cfg.LogFile
	for _, arg := range call.Args() {
		if v, err := strconv.Atoi(arg); err == nil && v > 0 {
			n = v
			continue
		}
		path = m.resolvePath(arg)
	}
	if path == "" {
		call.Failf("log-get: no log file configured")
		return
	}
	lines, err := tailLines(path, n)
	if err != nil {
		call.Fail(err)
		return
	}
	call.OK(strings.Join(lines, "\n"))
}

// tailLines returns the last n lines of the file, reading at most the
// final maxLogTail bytes.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := st.Size() - maxLogTail
	if offset < 0 {
		offset = 0
	}
	data, err := io.ReadAll(io.NewSectionReader(f, offset, st.Size()-offset))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil, nil
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
