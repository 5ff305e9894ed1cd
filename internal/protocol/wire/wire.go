package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	escapeMarker = '\\'
	separator    = ' '
	terminator   = '\n'

	// emptyToken stands in for a zero-length token so separators stay single.
	emptyToken = "\\e"
)

var (
	ErrInvalidEscape = errors.New("wire: invalid escape sequence")
	ErrLineTooLong   = errors.New("wire: line exceeds limit")
	ErrShortCommand  = errors.New("wire: command too short")
)

// Command is one framed protocol message. Token 0 is the correlation id,
// token 1 the verb.
type Command []string

func (c Command) ID() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

func (c Command) Verb() string {
	if len(c) < 2 {
		return ""
	}
	return c[1]
}

func (c Command) Args() []string {
	if len(c) < 2 {
		return nil
	}
	return c[2:]
}

// Limits constrains decoder memory use.
type Limits struct {
	MaxLineBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxLineBytes: 1 << 20}
}

// Encode renders c as one newline-terminated line.
func Encode(c Command) []byte {
	var buf bytes.Buffer
	for i, tok := range c {
		if i > 0 {
			buf.WriteByte(separator)
		}
		escapeToken(&buf, tok)
	}
	buf.WriteByte(terminator)
	return buf.Bytes()
}

// EncodeToken escapes a single token without the line terminator.
func EncodeToken(tok string) string {
	var buf bytes.Buffer
	escapeToken(&buf, tok)
	return buf.String()
}

func escapeToken(buf *bytes.Buffer, tok string) {
	if tok == "" {
		buf.WriteString(emptyToken)
		return
	}
	for i := 0; i < len(tok); i++ {
		switch c := tok[i]; c {
		case escapeMarker:
			buf.WriteString(`\\`)
		case ' ':
			buf.WriteString(`\s`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case 0:
			buf.WriteString(`\0`)
		default:
			buf.WriteByte(c)
		}
	}
}

// Decode parses one line. A single trailing "\n" and a carriage return
// before it are stripped.
func Decode(line []byte) (Command, error) {
	line = bytes.TrimSuffix(line, []byte{terminator})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return Command{}, nil
	}
	parts := bytes.Split(line, []byte{separator})
	out := make(Command, 0, len(parts))
	for i, part := range parts {
		tok, err := unescapeToken(part)
		if err != nil {
			return nil, fmt.Errorf("%w: token %d", err, i)
		}
		out = append(out, tok)
	}
	return out, nil
}

func unescapeToken(raw []byte) (string, error) {
	if bytes.IndexByte(raw, escapeMarker) < 0 {
		return string(raw), nil
	}
	if string(raw) == emptyToken {
		return "", nil
	}
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != escapeMarker {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(raw) {
			return "", ErrInvalidEscape
		}
		switch raw[i] {
		case '\\':
			out = append(out, '\\')
		case 's':
			out = append(out, ' ')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '0':
			out = append(out, 0)
		default:
			return "", fmt.Errorf("%w: \\%c", ErrInvalidEscape, raw[i])
		}
	}
	return string(out), nil
}

// ReadCommand reads and decodes one line from a blocking reader.
func ReadCommand(r *bufio.Reader, limits Limits) (Command, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice(terminator)
		line = append(line, chunk...)
		if limits.MaxLineBytes > 0 && len(line) > limits.MaxLineBytes {
			return nil, ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Decode(line)
}

// WriteCommand encodes c and writes it in one call.
func WriteCommand(w io.Writer, c Command) error {
	_, err := w.Write(Encode(c))
	return err
}
