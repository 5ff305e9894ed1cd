package wire

import (
	"bufio"
	"bytes"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTripAwkwardTokens(t *testing.T) {
	in := Command{"7", "put-file", "a b", "line1\nline2", `back\slash`, "", `\e`, "cr\r", "tab\there", "nul\x00", "\xff\xfe"}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round-trip mismatch\n got=%q\nwant=%q", out, in)
	}
}

func TestEncodeLeavesNoBareSeparators(t *testing.T) {
	line := Encode(Command{"1", "x y", "a\nb"})
	if bytes.Count(line, []byte{'\n'}) != 1 || line[len(line)-1] != '\n' {
		t.Fatalf("expected exactly one trailing newline: %q", line)
	}
	if got := bytes.Count(line, []byte{' '}); got != 2 {
		t.Fatalf("expected 2 separators, got %d in %q", got, line)
	}
}

func TestRoundTripRandomCommands(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []byte{'a', 'b', ' ', '\n', '\r', '\\', 'e', 's', 0, 0xff, '\t'}
	for i := 0; i < 500; i++ {
		n := rng.Intn(6)
		in := make(Command, n)
		for j := range in {
			tok := make([]byte, rng.Intn(8))
			for k := range tok {
				tok[k] = alphabet[rng.Intn(len(alphabet))]
			}
			in[j] = string(tok)
		}
		out, err := Decode(Encode(in))
		if err != nil {
			t.Fatalf("case %d decode %q: %v", i, in, err)
		}
		if len(in) == 0 && len(out) == 0 {
			continue
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("case %d mismatch got=%q want=%q", i, out, in)
		}
	}
}

func TestDecodeStripsCarriageReturn(t *testing.T) {
	out, err := Decode([]byte("1 isalive\r\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(out, Command{"1", "isalive"}) {
		t.Fatalf("unexpected command: %q", out)
	}
}

func TestDecodeRejectsBadEscape(t *testing.T) {
	if _, err := Decode([]byte(`1 bad\q` + "\n")); !errors.Is(err, ErrInvalidEscape) {
		t.Fatalf("expected ErrInvalidEscape, got %v", err)
	}
	if _, err := Decode([]byte(`1 trailing\`)); !errors.Is(err, ErrInvalidEscape) {
		t.Fatalf("expected ErrInvalidEscape for lone marker, got %v", err)
	}
}

func TestBufferByteAtATimeYieldsCommandsInOrder(t *testing.T) {
	first := Command{"1", "create", "web 1", "pkg=srv"}
	second := Command{"2", "query", "web\n1", "pid"}
	stream := append(Encode(first), Encode(second)...)

	for split := 0; split <= len(stream); split++ {
		buf := NewBuffer(DefaultLimits())
		var got []Command
		feed := func(p []byte) {
			for _, c := range p {
				_, _ = buf.Write([]byte{c})
				for {
					cmd, ok, err := buf.Next()
					if err != nil {
						t.Fatalf("split=%d next: %v", split, err)
					}
					if !ok {
						break
					}
					got = append(got, cmd)
				}
			}
		}
		feed(stream[:split])
		feed(stream[split:])
		if !reflect.DeepEqual(got, []Command{first, second}) {
			t.Fatalf("split=%d got %q", split, got)
		}
	}
}

func TestBufferPartialLineStaysPending(t *testing.T) {
	buf := NewBuffer(DefaultLimits())
	_, _ = buf.Write([]byte("9 isal"))
	if _, ok, err := buf.Next(); ok || err != nil {
		t.Fatalf("expected pending partial line, ok=%v err=%v", ok, err)
	}
	_, _ = buf.Write([]byte("ive\n"))
	cmd, ok, err := buf.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete line, ok=%v err=%v", ok, err)
	}
	if cmd.Verb() != "isalive" || cmd.ID() != "9" {
		t.Fatalf("unexpected command %q", cmd)
	}
}

func TestBufferTakeRawPayloadAfterLine(t *testing.T) {
	buf := NewBuffer(DefaultLimits())
	_, _ = buf.Write(Encode(Command{"3", "put-file", "/tmp/x", "5"}))
	_, _ = buf.Write([]byte("hel"))
	if _, ok, _ := buf.Next(); !ok {
		t.Fatalf("expected framing line")
	}
	if got := string(buf.Take(5)); got != "hel" {
		t.Fatalf("take got %q", got)
	}
	_, _ = buf.Write([]byte("lo4 isalive\n"))
	if got := string(buf.Take(2)); got != "lo" {
		t.Fatalf("take got %q", got)
	}
	cmd, ok, err := buf.Next()
	if err != nil || !ok || cmd.Verb() != "isalive" {
		t.Fatalf("expected isalive after payload, got %q ok=%v err=%v", cmd, ok, err)
	}
}

func TestBufferLineTooLong(t *testing.T) {
	buf := NewBuffer(Limits{MaxLineBytes: 12})
	_, _ = buf.Write([]byte("0123456789abcdef"))
	if _, _, err := buf.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected buffer reset after overflow")
	}
	_, _ = buf.Write([]byte("abc\n1 isalive\n"))
	cmd, ok, err := buf.Next()
	if err != nil || !ok || cmd.ID() != "1" {
		t.Fatalf("expected 1 isalive after discarded tail, got %q ok=%v err=%v", cmd, ok, err)
	}

	_, _ = buf.Write([]byte("0123456789abc\n2 isalive\n"))
	if _, _, err := buf.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("complete overlong line: expected ErrLineTooLong, got %v", err)
	}
	cmd, ok, err = buf.Next()
	if err != nil || !ok || cmd.ID() != "2" {
		t.Fatalf("expected 2 isalive, got %q ok=%v err=%v", cmd, ok, err)
	}
}

func TestReadWriteCommand(t *testing.T) {
	var stream bytes.Buffer
	if err := WriteCommand(&stream, Command{"4", "stat-file", "/a b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	cmd, err := ReadCommand(bufio.NewReader(&stream), DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cmd.Args()[0] != "/a b" {
		t.Fatalf("unexpected args %q", cmd.Args())
	}
}

func TestReadCommandTruncated(t *testing.T) {
	_, err := ReadCommand(bufio.NewReader(strings.NewReader("1 isal")), DefaultLimits())
	if err == nil {
		t.Fatalf("expected error for unterminated line")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{ID: "12", Status: StatusFailed, Message: "no such instance: web 1"}
	cmd, err := Decode(resp.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := ParseResponse(cmd)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != resp {
		t.Fatalf("got %+v want %+v", got, resp)
	}
}

func TestParseResponseShort(t *testing.T) {
	if _, err := ParseResponse(Command{"1"}); !errors.Is(err, ErrShortCommand) {
		t.Fatalf("expected ErrShortCommand, got %v", err)
	}
}
