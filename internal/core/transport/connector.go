// Package transport opens local channels to the session daemon.
//
// A Connector dials the daemon's unix socket, retrying with exponential
// backoff while the socket is missing or refusing connections (the daemon
// is starting or restarting). Each successful Connect returns an
// independent Conn that the caller owns and must Close on every path.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrDaemonUnavailable is matched by every error returned once the
// connector has given up on reaching the daemon.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// dialTimeout bounds a single connect attempt. The overall retry budget is
// separate (see WithMaxElapsed).
const dialTimeout = 2 * time.Second

const (
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = time.Second
	defaultMaxElapsed      = 5 * time.Second
)

// DialFunc opens a raw connection to path. Tests substitute their own.
type DialFunc func(ctx context.Context, path string) (net.Conn, error)

// UnavailableError reports why the daemon could not be reached.
type UnavailableError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("daemon unavailable at %s after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrDaemonUnavailable, e.Err}
}

// Connector establishes connections to the daemon socket
type Connector struct {
	dial            DialFunc
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
	logger          *slog.Logger
}

// Option configures a Connector
type Option func(*Connector)

// WithMaxElapsed sets the total time spent retrying before giving up
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Connector) { c.maxElapsed = d }
}

// WithBackoff sets the first retry delay and the cap on later delays
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Connector) {
		c.initialInterval = initial
		c.maxInterval = max
	}
}

// WithDialer replaces the unix socket dialer
func WithDialer(dial DialFunc) Option {
	return func(c *Connector) { c.dial = dial }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) { c.logger = logger }
}

// NewConnector creates a connector with the default retry schedule
func NewConnector(opts ...Option) *Connector {
	c := &Connector{
		dial:            dialUnix,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		maxElapsed:      defaultMaxElapsed,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dialUnix(ctx context.Context, path string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", path)
}

// Connect opens a connection to the daemon at path, retrying while the
// socket is absent or refusing connections. Cancelling ctx aborts the
// retry loop and returns ctx's error.
func (c *Connector) Connect(ctx context.Context, path string) (*Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	policy.MaxInterval = c.maxInterval
	policy.MaxElapsedTime = c.maxElapsed
	policy.Multiplier = 2

	var (
		conn     net.Conn
		attempts int
	)
	operation := func() error {
		attempts++
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		nc, err := c.dial(dialCtx, path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = nc
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("daemon not reachable, retrying",
			"path", path,
			"attempt", attempts,
			"retry_in", next,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connecting to daemon at %s: %w", path, ctx.Err())
		}
		return nil, &UnavailableError{Path: path, Attempts: attempts, Err: err}
	}

	c.logger.Debug("connected to daemon", "path", path, "attempts", attempts)
	return &Conn{Conn: conn, path: path}, nil
}

// isRetryable reports whether a dial error means the daemon may still come up
func isRetryable(err error) bool {
	if errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EAGAIN) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Conn is one duplex channel to the daemon. Close is safe to call more than once.
type Conn struct {
	net.Conn

	path      string
	closeOnce sync.Once
	closeErr  error
}

// Path is the socket this connection was opened on
func (c *Conn) Path() string {
	return c.path
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}
