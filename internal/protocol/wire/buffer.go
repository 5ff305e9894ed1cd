package wire

import "bytes"

// Buffer accumulates stream bytes and yields complete lines in order.
// Raw payload bytes that follow a framing line are removed with Take.
type Buffer struct {
	buf    []byte
	limits Limits
	// discarding drops input through the next terminator after an
	// overlong fragment was reported.
	discarding bool
}

func NewBuffer(limits Limits) *Buffer {
	return &Buffer{limits: limits}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *Buffer) Len() int {
	return len(b.buf)
}

// HasLine reports whether a complete line is buffered.
func (b *Buffer) HasLine() bool {
	return bytes.IndexByte(b.buf, terminator) >= 0
}

// NextLine removes and returns the next complete raw line without its
// terminator or trailing carriage return. ok is false when no full line is
// buffered. err is ErrLineTooLong once per overlong line; the rest of that
// line is dropped up to its terminator.
func (b *Buffer) NextLine() (line []byte, ok bool, err error) {
	idx := bytes.IndexByte(b.buf, terminator)
	if b.discarding {
		if idx < 0 {
			b.buf = b.buf[:0]
			return nil, false, nil
		}
		b.consume(idx + 1)
		b.discarding = false
		idx = bytes.IndexByte(b.buf, terminator)
	}
	limit := b.limits.MaxLineBytes
	if idx < 0 {
		if limit > 0 && len(b.buf) > limit {
			b.buf = b.buf[:0]
			b.discarding = true
			return nil, false, ErrLineTooLong
		}
		return nil, false, nil
	}
	if limit > 0 && idx > limit {
		b.consume(idx + 1)
		return nil, false, ErrLineTooLong
	}
	line = make([]byte, idx)
	copy(line, b.buf[:idx])
	b.consume(idx + 1)
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, true, nil
}

// Next decodes the next complete line. A decode error consumes the bad line
// so the stream stays in sync.
func (b *Buffer) Next() (Command, bool, error) {
	line, ok, err := b.NextLine()
	if err != nil || !ok {
		return nil, ok, err
	}
	cmd, err := Decode(line)
	if err != nil {
		return nil, true, err
	}
	return cmd, true, nil
}

// Take removes up to n raw bytes from the front of the buffer.
func (b *Buffer) Take(n int) []byte {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	out := make([]byte, n)
	copy(out, b.buf[:n])
	b.consume(n)
	return out
}

// Remainder returns and clears everything buffered.
func (b *Buffer) Remainder() []byte {
	return b.Take(len(b.buf))
}

func (b *Buffer) consume(n int) {
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}
