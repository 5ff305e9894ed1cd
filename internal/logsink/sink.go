// Package logsink forwards managed-process output to a local file or a
// remote collator, and implements the collator side of the log verb.
package logsink

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/edgeproc/internal/logging"
)

// Sink receives one output line of a managed instance. Line must not block
// the reactor for long; implementations buffer.
type Sink interface {
	Line(instance, stream string, line []byte)
	Close() error
}

// FormatLine renders `<instance> <stream>: <line>`.
func FormatLine(instance, stream string, line []byte) []byte {
	out := make([]byte, 0, len(instance)+len(stream)+len(line)+4)
	out = append(out, instance...)
	out = append(out, ' ')
	out = append(out, stream...)
	out = append(out, ':', ' ')
	out = append(out, bytes.TrimRight(line, "\r\n")...)
	return out
}

// FileSink appends timestamped lines to a local file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
	now  func() time.Time
}

func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logsink: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %q: %w", path, err)
	}
	return &FileSink{f: f, path: path, now: time.Now}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Line(instance, stream string, line []byte) {
	s.WriteRaw(FormatLine(instance, stream, line))
}

// WriteRaw appends an already formatted line with a timestamp prefix.
func (s *FileSink) WriteRaw(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	buf := make([]byte, 0, len(line)+32)
	buf = s.now().UTC().AppendFormat(buf, time.RFC3339)
	buf = append(buf, ' ')
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := s.f.Write(buf); err != nil {
		logging.Warnf("logsink.FileSink write path=%q err=%v", s.path, err)
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Discard drops every line.
type Discard struct{}

func (Discard) Line(string, string, []byte) {}

func (Discard) Close() error { return nil }
