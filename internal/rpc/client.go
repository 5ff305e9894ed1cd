package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgeproc/internal/protocol/wire"
)

const DefaultClientTimeout = 30 * time.Second

// openEnded verbs reply only when an instance settles, so the client
// timeout does not apply to them; callers bound them with ctx.
var openEnded = map[string]bool{
	"wait": true,
	"run":  true,
}

var ErrClosed = errors.New("rpc: client closed")

// Client is a blocking, single-caller RPC client. Ids increase
// monotonically per client. Once a transport error occurs the client is
// unusable and every call returns ErrClosed.
type Client struct {
	addr    string
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	limits  wire.Limits
	nextID  uint64
	broken  error
}

// Dial connects to an agent or collator control address.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("rpc: address required")
	}
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		addr:    conn.RemoteAddr().String(),
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
		limits:  wire.DefaultLimits(),
	}
}

func (c *Client) Addr() string { return c.addr }

// Conn exposes the transport for callers that take over the stream after
// a handshake, such as a raw log forwarder.
func (c *Client) Conn() net.Conn { return c.conn }

// Err reports the transport error that broke the client, if any.
func (c *Client) Err() error { return c.broken }

func (c *Client) Close() error {
	if c.broken == nil {
		c.broken = ErrClosed
	}
	return c.conn.Close()
}

// Call sends one request and returns its response. A non-zero status is
// not an error here; see Do.
func (c *Client) Call(ctx context.Context, verb string, args ...string) (wire.Response, error) {
	return c.roundTrip(ctx, verb, args, nil)
}

// Do is Call that turns a failure status into a *wire.Error.
func (c *Client) Do(ctx context.Context, verb string, args ...string) (string, error) {
	resp, err := c.Call(ctx, verb, args...)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", &wire.Error{Verb: verb, Status: resp.Status, Message: resp.Message}
	}
	return resp.Message, nil
}

// CallWithPayload sends a request followed by exactly size raw bytes from
// payload. args must already carry the size token the verb expects.
func (c *Client) CallWithPayload(ctx context.Context, verb string, args []string, payload io.Reader, size int64) (wire.Response, error) {
	return c.roundTrip(ctx, verb, args, func() error {
		n, err := io.CopyN(c.conn, payload, size)
		if err != nil {
			return fmt.Errorf("rpc: payload wrote %d of %d bytes: %w", n, size, err)
		}
		return nil
	})
}

// CallForPayload sends a request whose success reply is `<id> 0 <size>`
// followed by size raw bytes, which are copied to w.
func (c *Client) CallForPayload(ctx context.Context, verb string, w io.Writer, args ...string) (int64, error) {
	resp, err := c.roundTrip(ctx, verb, args, nil)
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, &wire.Error{Verb: verb, Status: resp.Status, Message: resp.Message}
	}
	size, err := strconv.ParseInt(strings.TrimSpace(resp.Message), 10, 64)
	if err != nil || size < 0 {
		c.fail(fmt.Errorf("rpc: %s bad payload size %q", verb, resp.Message))
		return 0, c.broken
	}
	c.armDeadline(ctx, true)
	n, err := io.CopyN(w, c.reader, size)
	if err != nil {
		c.fail(err)
		return n, fmt.Errorf("rpc: %s payload read %d of %d bytes: %w", verb, n, size, err)
	}
	return n, nil
}

func (c *Client) roundTrip(ctx context.Context, verb string, args []string, afterLine func() error) (wire.Response, error) {
	if c.broken != nil {
		return wire.Response{}, fmt.Errorf("%w: %v", ErrClosed, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return wire.Response{}, err
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	cmd := append(wire.Command{id, verb}, args...)

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	c.armDeadline(ctx, !openEnded[verb])
	if err := wire.WriteCommand(c.conn, cmd); err != nil {
		c.fail(err)
		return wire.Response{}, err
	}
	if afterLine != nil {
		if err := afterLine(); err != nil {
			c.fail(err)
			return wire.Response{}, err
		}
	}
	line, err := wire.ReadCommand(c.reader, c.limits)
	if err != nil {
		c.fail(err)
		return wire.Response{}, err
	}
	resp, err := wire.ParseResponse(line)
	if err != nil {
		c.fail(err)
		return wire.Response{}, err
	}
	if resp.ID != id {
		err := fmt.Errorf("rpc: response id %q does not match request %q", resp.ID, id)
		c.fail(err)
		return wire.Response{}, err
	}
	return resp, nil
}

// armDeadline sets the connection deadline from ctx and, when bounded,
// the client timeout. An unbounded call without a ctx deadline waits
// indefinitely.
func (c *Client) armDeadline(ctx context.Context, bounded bool) {
	var deadline time.Time
	if bounded {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
}

func (c *Client) fail(err error) {
	if c.broken == nil {
		c.broken = err
	}
}
