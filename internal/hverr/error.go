// Package hverr defines the flat error-kind taxonomy shared by every
// hypercore subsystem (spec §7): allocators, page tables, the interrupt
// subsystem, the scheduler and the VM/VCPU managers all return one of these
// kinds rather than panicking on caller-reachable failure.
package hverr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is the flat error taxonomy returned by every fallible operation.
type Kind int

const (
	InvalidArgument Kind = iota
	OutOfMemory
	NotFound
	PermissionDenied
	ResourceBusy
	ResourceUnavailable
	Timeout
	NotImplemented
	NotInitialized
	InvalidState
	InvalidAccess
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case OutOfMemory:
		return "OutOfMemory"
	case NotFound:
		return "NotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case ResourceBusy:
		return "ResourceBusy"
	case ResourceUnavailable:
		return "ResourceUnavailable"
	case Timeout:
		return "Timeout"
	case NotImplemented:
		return "NotImplemented"
	case NotInitialized:
		return "NotInitialized"
	case InvalidState:
		return "InvalidState"
	case InvalidAccess:
		return "InvalidAccess"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across package boundaries. It
// carries a Kind so callers can branch on failure class, plus a wrapped
// cause and frame captured via xerrors for diagnostics.
type Error struct {
	Kind  Kind
	msg   string
	frame xerrors.Frame
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Format(f fmt.State, c rune) { xerrors.FormatError(e, f, c) }

func (e *Error) FormatError(p xerrors.Printer) error {
	p.Print(e.Kind, ": ", e.msg)
	e.frame.Format(p)
	return e.cause
}

// New builds a new Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), frame: xerrors.Caller(1)}
}

// Wrap annotates cause with kind and a message, preserving the chain so
// errors.Is/As and Unwrap still reach cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), frame: xerrors.Caller(1), cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
