package cgiclient

import (
	"errors"
	"fmt"
	"net"
)

// The error taxonomy surfaced by adapter round trips. A parsed response is
// returned normally even when it carries an HTTP error status; these errors
// mean the exchange itself failed. None of them are retried internally.

// TimeoutError reports a backend that did not respond within the configured
// deadline. The in-flight process or connection has been torn down by the
// time this is returned.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cgi: backend timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Timeout() bool { return true }

// ConnectionError reports a transport-level failure: cannot connect, a
// socket error mid-exchange, a premature close, or raw output that could not
// be parsed as any kind of response.
type ConnectionError struct {
	Msg string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cgi: %s: %v", e.Msg, e.Err)
	}
	return "cgi: " + e.Msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BackendError reports an exchange that completed but carried content on the
// backend's error channel. Stderr holds the diagnostic bytes.
type BackendError struct {
	Stderr []byte
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cgi: backend reported an error: %s", e.Stderr)
}

// MalformedStatusError reports a Status header whose value did not start
// with a parsable 3-digit code.
type MalformedStatusError struct {
	Status string
}

func (e *MalformedStatusError) Error() string {
	return fmt.Sprintf("cgi: could not parse status header: %q", e.Status)
}

// ProcessError reports a CGI subprocess that exited with a failure code and
// produced no usable output. A nonzero exit with parsable output is not an
// error; such output becomes an ordinary response.
type ProcessError struct {
	Stderr []byte
	Err    error
}

func (e *ProcessError) Error() string {
	if len(e.Stderr) > 0 {
		return fmt.Sprintf("cgi: process failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("cgi: process failed: %v", e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// classifyIOError maps a transport error onto the taxonomy: deadline
// expirations become TimeoutError, everything else ConnectionError.
func classifyIOError(err error, msg string) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Err: err}
	}
	return &ConnectionError{Msg: msg, Err: err}
}
