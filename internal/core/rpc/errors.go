package rpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout means a call exceeded its deadline. The connection it ran on
	// has been closed; reconnect before trying again.
	ErrTimeout = errors.New("daemon call timed out")

	// ErrConnectionClosed is returned for calls on a client whose connection
	// was discarded after a timeout, a framing error, or a daemon hang-up.
	ErrConnectionClosed = errors.New("daemon connection closed")

	// ErrNotFound means the daemon has no record of the referenced session or approval.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the approval is no longer pending. Expected when
	// several clients act on the same approval.
	ErrInvalidState = errors.New("approval is no longer pending")

	// ErrMalformedResponse means a reply could not be decoded into the expected record.
	ErrMalformedResponse = errors.New("malformed daemon response")
)

// JSON-RPC error codes. The application codes are the daemon's; older daemons
// report everything as CodeInternal and are classified by message instead.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeNotFound       = -32004
	CodeInvalidState   = -32005
)

// Error is a failure reported by the daemon for one call
type Error struct {
	Method  string
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("daemon rejected %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("daemon rejected %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// Is lets callers match daemon errors against ErrNotFound and ErrInvalidState
func (e *Error) Is(target error) bool {
	msg := strings.ToLower(e.Message)
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound || strings.Contains(msg, "not found")
	case ErrInvalidState:
		return e.Code == CodeInvalidState ||
			strings.Contains(msg, "not pending") ||
			strings.Contains(msg, "already")
	}
	return false
}

func malformed(method string, err error) error {
	return fmt.Errorf("%s: %w: %v", method, ErrMalformedResponse, err)
}
