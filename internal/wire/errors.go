package wire

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnClosed is the terminal outcome for every request in flight when
// its connection closes. No automatic retry or reconnect is attempted.
var ErrConnClosed = errors.New("connection closed")

// ErrTimeout is the outcome of a client-side deadline elapsing while
// awaiting a correlated reply or a buffered read. The server-side
// operation, if any, is not cancelled.
var ErrTimeout = errors.New("timeout")

// ServerError is an explicit non-"ok" result reported by the server for a
// specific operation. The full payload is retained for callers that need
// operation-specific detail.
type ServerError struct {
	Action  string
	Result  string
	Payload Map
}

func (e *ServerError) Error() string {
	if e.Result != "" {
		return fmt.Sprintf("server: %s: %s", e.Action, e.Result)
	}
	return fmt.Sprintf("server: %s failed", e.Action)
}

// ResultErr inspects a reply's result field and returns a ServerError
// when the server reported failure. Replies without a result field, or
// with any capitalization of "ok", are success.
func ResultErr(action string, m Map) error {
	r, present := m["result"].(string)
	if !present || strings.EqualFold(r, "ok") {
		return nil
	}
	return &ServerError{Action: action, Result: r, Payload: m}
}

// TransportError is a socket-level failure: the connection closed or
// errored. It is terminal for the connection it occurred on.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return "transport: " + e.Cause.Error() }

func (e *TransportError) Unwrap() error { return e.Cause }

// Closed returns the TransportError delivered to waiters when a
// connection is closed out from under them.
func Closed() error { return &TransportError{Cause: ErrConnClosed} }

// TimeoutError is a deadline failure that may carry the bytes that had
// accumulated before the deadline (shell reads with keep-on-timeout).
type TimeoutError struct {
	Partial []byte
}

func (e *TimeoutError) Error() string {
	if len(e.Partial) > 0 {
		return fmt.Sprintf("timeout (%d bytes buffered)", len(e.Partial))
	}
	return "timeout"
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
