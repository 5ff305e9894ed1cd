package bootstrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/google/uuid"
)

var (
	ErrTimeout     = errors.New("bootstrap: timed out waiting for shell")
	ErrShellClosed = errors.New("bootstrap: shell closed")
)

// exchange runs commands over a Shell. Every command is followed by
// `echo <marker> $?` so the end of its output and its status are known.
type exchange struct {
	sh      Shell
	marker  string
	timeout time.Duration

	lines chan string
	quit  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	readErr error
}

func newExchange(sh Shell, timeout time.Duration) *exchange {
	x := &exchange{
		sh:      sh,
		marker:  "__edgeproc_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		timeout: timeout,
		lines:   make(chan string, 64),
		quit:    make(chan struct{}),
	}
	go x.read()
	return x
}

func (x *exchange) read() {
	defer close(x.lines)
	sc := bufio.NewScanner(x.sh)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		select {
		case x.lines <- sc.Text():
		case <-x.quit:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	x.mu.Lock()
	x.readErr = err
	x.mu.Unlock()
}

func (x *exchange) closedErr() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.readErr != nil && !errors.Is(x.readErr, io.EOF) {
		return fmt.Errorf("%w: %v", ErrShellClosed, x.readErr)
	}
	return ErrShellClosed
}

// Close stops the reader and closes the shell.
func (x *exchange) Close() error {
	x.once.Do(func() { close(x.quit) })
	return x.sh.Close()
}

// run executes script and returns its output lines and exit status.
func (x *exchange) run(ctx context.Context, script string) ([]string, int, error) {
	return x.runWithBody(ctx, script, nil, x.timeout)
}

// runWithBody writes script, then streams body (if any) into the shell
// before the status sentinel. The whole exchange is bounded by timeout.
func (x *exchange) runWithBody(ctx context.Context, script string, body func(io.Writer) error, timeout time.Duration) ([]string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		if _, err := io.WriteString(x.sh, "{ "+script+"\n"); err != nil {
			writeErr <- err
			return
		}
		if body != nil {
			if err := body(x.sh); err != nil {
				writeErr <- err
				return
			}
		}
		_, err := io.WriteString(x.sh, "} 2>&1\necho "+x.marker+" $?\n")
		writeErr <- err
	}()

	var out []string
	wrote := false
	for {
		select {
		case err := <-writeErr:
			if err != nil {
				return out, -1, fmt.Errorf("bootstrap: write to shell: %w", err)
			}
			wrote = true
			writeErr = nil
		case line, ok := <-x.lines:
			if !ok {
				return out, -1, x.closedErr()
			}
			idx := strings.Index(line, x.marker+" ")
			if idx < 0 {
				out = append(out, line)
				continue
			}
			if idx > 0 {
				out = append(out, line[:idx])
			}
			status, err := strconv.Atoi(strings.TrimSpace(line[idx+len(x.marker)+1:]))
			if err != nil {
				return out, -1, fmt.Errorf("bootstrap: bad status line %q", line)
			}
			if !wrote {
				if err := <-writeErr; err != nil {
					return out, -1, fmt.Errorf("bootstrap: write to shell: %w", err)
				}
			}
			logging.Debugf("bootstrap.exchange status=%d lines=%d", status, len(out))
			return out, status, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return out, -1, fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return out, -1, ctx.Err()
		}
	}
}

// output runs script and requires status 0, returning trimmed output.
func (x *exchange) output(ctx context.Context, script string) (string, error) {
	lines, status, err := x.run(ctx, script)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if status != 0 {
		return text, fmt.Errorf("exit status %d: %s", status, text)
	}
	return text, nil
}
