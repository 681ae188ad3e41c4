// Package executor defines the contract shared by every REPL backend: the
// Engine capability set, the Result value it produces, and the child-process
// abstractions engines are built on.
package executor

import (
	"context"
	"io"
	"strings"
)

// DefaultErrorName is reported when the child flags a failure without naming it.
const DefaultErrorName = "MojoError"

// Result is the outcome of one execution. It is returned by value and never
// mutated after an engine builds it.
type Result struct {
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Success    bool     `json:"success"`
	ErrorName  string   `json:"ename,omitempty"`
	ErrorValue string   `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`
}

// EmptyResult is the result of executing no code at all.
func EmptyResult() Result {
	return Result{Success: true}
}

// IsBlank reports whether code has nothing to evaluate. Engines must return
// EmptyResult for blank code without contacting the child.
func IsBlank(code string) bool {
	return strings.TrimSpace(code) == ""
}

// Engine drives one REPL child process end-to-end.
//
// Execute is not safe for concurrent use; callers serialize requests per
// engine. Interrupt, Alive and Shutdown may be called at any time.
type Engine interface {
	// Start launches the child and blocks until it reports readiness.
	Start(ctx context.Context) error
	// Execute evaluates one unit of source code.
	Execute(ctx context.Context, code string) (Result, error)
	// Interrupt sends a cancellation signal to the child if it is alive.
	Interrupt()
	// Restart is Shutdown followed by Start.
	Restart(ctx context.Context) error
	// Shutdown kills the child if alive and releases it. Safe to repeat.
	Shutdown()
	// Alive reports whether a child exists and has not exited.
	Alive() bool
}

// Command describes a child process to launch.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is a launched child together with its standard streams.
// For terminal-backed processes stdout and stderr share one stream and
// Stderr returns an empty reader.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Interrupt delivers the platform's cancellation signal.
	Interrupt() error
	// Kill forcibly terminates the process and releases its streams.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher starts child processes. Engines receive one through their
// constructor so tests can substitute a fake child.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// Exited reports, without blocking, whether p has terminated.
func Exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
