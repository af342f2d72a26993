// Package backend implements the per-backend protocol state machine: one
// instance owns a single TCP connection to an upstream MariaDB/MySQL
// server, driving its handshake, authentication, initialization, delayed-
// packet drain, and steady-state command/response routing.
package backend

import (
	"fmt"

	"github.com/sqlrelay/sqlrelay/internal/wire"
)

// ErrorKind classifies a backend failure for the router: PERMANENT errors
// mean the backend itself is unusable and should leave rotation; TRANSIENT
// errors mean only this connection failed and the client session may
// survive on another backend.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "PERMANENT"
	}
	return "TRANSIENT"
}

// ProtocolError is a framing or decode failure.
type ProtocolError struct {
	Context string
	Err     error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error (%s): %v", e.Context, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError is a failure during the authentication phase.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// ConnectError is a TCP/TLS setup failure.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "connect error: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// IOError is a steady-state socket fault.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return "io error: " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// BackendError is an ERR packet the server returned outside authentication.
type BackendError struct {
	Code     uint16
	SQLState string
	Message  string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error %d (%s): %s", e.Code, e.SQLState, e.Message)
}

// ConnectionFatal reports whether the SQL state class (08xxx) means the
// connection, not just the statement, is unusable.
func (e *BackendError) ConnectionFatal() bool {
	return wire.Err{SQLState: e.SQLState}.IsConnectionFatal()
}

// InternalError marks an invariant violation in the engine itself.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string { return "internal error: " + e.Reason }

// classifyError decides TRANSIENT vs PERMANENT for a given phase/error: failures
// during handshake, authentication or connection init are PERMANENT (the
// backend itself looks bad). Failures during steady-state routing are
// TRANSIENT, including a connection-fatal (08xxx) BackendError — that one
// connection is lost, but the client session can still be served by
// another backend, so it must not take the whole server out of rotation.
func classifyError(state State, err error) ErrorKind {
	if state != StateRouting {
		return Permanent
	}
	if _, ok := err.(*InternalError); ok {
		return Permanent
	}
	return Transient
}
