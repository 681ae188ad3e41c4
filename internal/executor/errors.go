package executor

import (
	"errors"
	"fmt"
)

// Engine fault kinds. Match them with errors.Is.
var (
	ErrNotFound    = errors.New("executable not found")
	ErrLaunch      = errors.New("launch failed")
	ErrProtocol    = errors.New("protocol error")
	ErrProcessDied = errors.New("process died")
	ErrTimeout     = errors.New("timed out")
	ErrNotRunning  = errors.New("engine not running")
)

// Error is an engine fault. Kind is one of the sentinels above; Stderr holds
// whatever the child wrote to its error stream before the fault, if anything.
type Error struct {
	Kind    error
	Message string
	Stderr  string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s. stderr: %s", msg, e.Stderr)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Fault builds an *Error of the given kind with a formatted message.
func Fault(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Died builds the error reported when the child's output stream closes.
func Died(stderr string) *Error {
	return &Error{Kind: ErrProcessDied, Message: "repl process died", Stderr: stderr}
}
