// Package xpcerr defines the typed error kinds from the error-handling
// design (spec.md §7). Each is a small constructor-built value type,
// following the shape of gollum's core/errors.go (FooError{message} plus
// NewFooError(...)), generalized to one type per error kind instead of
// gollum's single ModulateResultError.
package xpcerr

import "fmt"

// ConnectionInvalidError reports an operation attempted on an invalidated
// connection.
type ConnectionInvalidError struct{ message string }

func NewConnectionInvalidError(format string, args ...interface{}) ConnectionInvalidError {
	return ConnectionInvalidError{fmt.Sprintf(format, args...)}
}
func (e ConnectionInvalidError) Error() string { return e.message }

// InterruptedError reports that the peer of a connection vanished while a
// reply was outstanding.
type InterruptedError struct{ message string }

func NewInterruptedError(format string, args ...interface{}) InterruptedError {
	return InterruptedError{fmt.Sprintf(format, args...)}
}
func (e InterruptedError) Error() string { return e.message }

// TimeoutError reports a synchronous call that exceeded its proxy timeout.
type TimeoutError struct{ message string }

func NewTimeoutError(format string, args ...interface{}) TimeoutError {
	return TimeoutError{fmt.Sprintf(format, args...)}
}
func (e TimeoutError) Error() string { return e.message }

// InsecureDecodeError reports a decoded class outside an argument's allow-list.
type InsecureDecodeError struct{ message string }

func NewInsecureDecodeError(format string, args ...interface{}) InsecureDecodeError {
	return InsecureDecodeError{fmt.Sprintf(format, args...)}
}
func (e InsecureDecodeError) Error() string { return e.message }

// MalformedWireError reports a bounds, tag, or depth violation while parsing
// a bplist16 buffer.
type MalformedWireError struct{ message string }

func NewMalformedWireError(format string, args ...interface{}) MalformedWireError {
	return MalformedWireError{fmt.Sprintf(format, args...)}
}
func (e MalformedWireError) Error() string { return e.message }

// UnknownSelectorError reports an invocation naming a selector the exported
// interface doesn't recognize.
type UnknownSelectorError struct{ message string }

func NewUnknownSelectorError(format string, args ...interface{}) UnknownSelectorError {
	return UnknownSelectorError{fmt.Sprintf(format, args...)}
}
func (e UnknownSelectorError) Error() string { return e.message }

// RemoteExceptionError carries a remote-side failure surfaced as a reply.
type RemoteExceptionError struct {
	Domain   string
	Code     int
	UserInfo map[string]interface{}
}

func (e RemoteExceptionError) Error() string {
	return fmt.Sprintf("remote exception: %s (code %d)", e.Domain, e.Code)
}

// OperationDeniedError reports an FC presenter veto or incompatible request.
type OperationDeniedError struct{ message string }

func NewOperationDeniedError(format string, args ...interface{}) OperationDeniedError {
	return OperationDeniedError{fmt.Sprintf(format, args...)}
}
func (e OperationDeniedError) Error() string { return e.message }

// CancelledError reports a cooperatively cancelled invocation or FC request.
type CancelledError struct{ message string }

func NewCancelledError(format string, args ...interface{}) CancelledError {
	return CancelledError{fmt.Sprintf(format, args...)}
}
func (e CancelledError) Error() string { return e.message }

// InvariantViolationError is a programmer error: e.g. invoking on a
// connection that was never resumed. The caller is expected to abort the
// process; this package only constructs the value.
type InvariantViolationError struct{ message string }

func NewInvariantViolationError(format string, args ...interface{}) InvariantViolationError {
	return InvariantViolationError{fmt.Sprintf(format, args...)}
}
func (e InvariantViolationError) Error() string { return e.message }
