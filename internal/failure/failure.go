// Package failure defines the error kinds raised while driving a build
// session and maps each of them onto the process exit code.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. Its numeric value is the exit code used by the CLI.
type Kind int

const (
	Generic Kind = 1  // setup problems, bad directories
	Build   Kind = 10 // the build tool failed
	Root    Kind = 20 // the build root could not be prepared
	Apt     Kind = 30 // the package installer failed
	Pkg     Kind = 40 // the source package or its build dependencies are broken
	Sandbox Kind = 50 // sandbox control failures and invalid invocations
)

// ExitInterrupted is the exit code of a session stopped by a signal.
const ExitInterrupted = 130

// String returns a short label for the kind.
func (k Kind) String() string {
	switch k {
	case Generic:
		return "error"
	case Build:
		return "build error"
	case Root:
		return "root error"
	case Apt:
		return "apt error"
	case Pkg:
		return "package error"
	case Sandbox:
		return "sandbox error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// An Error is a failure carrying a kind and, optionally, an explicit exit
// code overriding the kind's default.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Code overrides the exit code when non-zero.
	Code int
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status for the failure.
func (e *Error) ExitCode() int {
	if e.Code != 0 {
		return e.Code
	}
	return int(e.Kind)
}

// New returns a failure of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a failure of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithCode returns a failure with an explicit exit code.
func WithCode(kind Kind, code int, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Code: code}
}

// KindOf reports the kind of the first failure in err's chain.
// Errors that are not failures are Generic.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return Generic
}

// Is reports whether err carries a failure of the given kind.
func Is(err error, kind Kind) bool {
	var f *Error
	return errors.As(err, &f) && f.Kind == kind
}

// ExitCode maps err onto a process exit status. A nil error is 0 and a
// canceled context is ExitInterrupted.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	var f *Error
	if errors.As(err, &f) {
		return f.ExitCode()
	}
	return int(Generic)
}
