// Package rpc is the typed client for the session daemon's JSON-RPC API.
//
// The daemon speaks JSON-RPC 2.0 over its unix socket, one JSON object per
// line. A Client owns one connection and allows a single outstanding call
// at a time. Every call runs under a deadline; a call that exceeds it
// closes the connection, and the Client must be replaced.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/neilberkman/ccgate/internal/core/transport"
)

// DefaultTimeout applies to calls when no WithTimeout option is given
const DefaultTimeout = 30 * time.Second

// maxLineSize bounds a single response line (conversation dumps can be large)
const maxLineSize = 16 * 1024 * 1024

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// message is any line the daemon sends: a response (ID set) or a
// notification (Method set, no ID).
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

// Client issues calls over one daemon connection
type Client struct {
	conn    *transport.Conn
	reader  *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	nextID    int64
	closed    bool
	streaming bool
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-call deadline. Zero disables it; the caller's
// context deadline still applies.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New wraps an open connection. The Client takes ownership of conn.
func New(conn *transport.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the daemon at socketPath and returns a ready Client
func Dial(ctx context.Context, connector *transport.Connector, socketPath string, opts ...Option) (*Client, error) {
	conn, err := connector.Connect(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Close releases the connection
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Call invokes a daemon method not otherwise wrapped and decodes its result into T
func Call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var result T
	if err := c.call(ctx, method, params, &result); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return malformed(method, err)
	}
	return nil
}

// roundTrip writes one request and reads its response. Callers hold c.mu.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.streaming {
		return nil, fmt.Errorf("%s: %w: connection is streaming events", method, ErrConnectionClosed)
	}
	if c.closed {
		return nil, fmt.Errorf("%s: %w", method, ErrConnectionClosed)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.nextID++
	id := c.nextID
	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	payload = append(payload, '\n')

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)
	defer expireOnCancel(ctx, c.conn)()

	start := time.Now()
	if _, err := c.conn.Write(payload); err != nil {
		return nil, c.fail(ctx, method, err)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return nil, c.fail(ctx, method, err)
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.discard()
			return nil, malformed(method, err)
		}
		if msg.ID == nil {
			if msg.Method != "" {
				// Stray notification; not ours.
				continue
			}
			c.discard()
			return nil, malformed(method, errors.New("response without id"))
		}
		if *msg.ID != id {
			c.discard()
			return nil, malformed(method, fmt.Errorf("response id %d does not match request id %d", *msg.ID, id))
		}

		_ = c.conn.SetDeadline(time.Time{})
		c.logger.Debug("daemon call",
			"method", method,
			"id", id,
			"duration", time.Since(start))

		if msg.Error != nil {
			return nil, &Error{Method: method, Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return msg.Result, nil
	}
}

// expireOnCancel unblocks pending I/O on conn once ctx is done by moving its
// deadline into the past. The returned stop waits for a callback that has
// already started, so it cannot touch a deadline set by a later call.
func expireOnCancel(ctx context.Context, conn net.Conn) (stop func()) {
	fired := make(chan struct{})
	cancelStop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		if !cancelStop() {
			<-fired
		}
	}
}

func (c *Client) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("response line exceeds %d bytes", maxLineSize)
		}
	}
}

// fail discards the connection after an I/O error and classifies the cause
func (c *Client) fail(ctx context.Context, method string, err error) error {
	c.discard()

	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Warn("daemon call timed out", "method", method, "socket", c.conn.Path())
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %w", method, ErrConnectionClosed, err)
}

func (c *Client) discard() {
	c.closed = true
	_ = c.conn.Close()
}
