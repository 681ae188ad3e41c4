// Package session adapts an Engine to the notebook request model. A Session
// owns one engine for its whole life, numbers executions, turns results
// into stream and error events, and keeps engine faults from escaping as
// anything other than an error reply.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// Reply statuses.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

// Error names reported when the engine itself fails rather than the code.
const (
	KernelDied    = "KernelDied"
	KernelTimeout = "KernelTimeout"
	ProtocolError = "ProtocolError"
	KernelError   = "KernelError"
)

// ContinuationIndent is suggested for the next line of an incomplete cell.
const ContinuationIndent = "    "

// ErrBusy is returned when an execution or shutdown is already running.
var ErrBusy = errors.New("session is busy")

// Request is one execution request. Decode into NewRequest so an omitted
// storeHistory keeps its default of true.
type Request struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"storeHistory"`
}

// NewRequest returns a request for code with the notebook defaults: not
// silent, stored in history.
func NewRequest(code string) Request {
	return Request{Code: code, StoreHistory: true}
}

// Reply is the terminal status of an execution.
type Reply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	ErrorName      string   `json:"ename,omitempty"`
	ErrorValue     string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`

	// Result is what the engine produced, or the synthesized failure.
	Result executor.Result `json:"-"`
}

// ShutdownReply acknowledges a shutdown or restart.
type ShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// CompletenessReply is the answer to a completeness check.
type CompletenessReply struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

// Session drives one engine.
type Session struct {
	engine executor.Engine
	logger *slog.Logger

	// busy admits one Execute or Shutdown at a time.
	busy sync.Mutex

	mu    sync.Mutex
	count int
}

// New wraps engine. The engine is not started.
func New(engine executor.Engine, logger *slog.Logger) *Session {
	return &Session{engine: engine, logger: logger}
}

// Start starts the engine.
func (s *Session) Start(ctx context.Context) error {
	return s.engine.Start(ctx)
}

// ExecutionCount returns the current execution counter.
func (s *Session) ExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Alive reports whether the engine's child is running.
func (s *Session) Alive() bool {
	return s.engine.Alive()
}

// Execute runs req and publishes its output to pub. Blank code is answered
// immediately without touching the engine or the counter. The only error
// returned is ErrBusy; everything else becomes part of the reply.
func (s *Session) Execute(ctx context.Context, req Request, pub Publisher) (Reply, error) {
	if pub == nil {
		pub = Discard
	}
	if executor.IsBlank(req.Code) {
		return Reply{Status: StatusOK, ExecutionCount: s.ExecutionCount(), Result: executor.EmptyResult()}, nil
	}

	if !s.busy.TryLock() {
		return Reply{}, ErrBusy
	}
	defer s.busy.Unlock()

	s.mu.Lock()
	if req.StoreHistory {
		s.count++
	}
	count := s.count
	s.mu.Unlock()

	res, err := s.engine.Execute(ctx, req.Code)
	if err != nil {
		s.logger.Warn("execution failed",
			slog.Int("execution_count", count),
			slog.String("error", err.Error()),
		)
		res = faultResult(err)
	}

	if !req.Silent {
		if res.Stdout != "" {
			pub.Publish(Event{Type: EventStream, Name: StreamStdout, Text: res.Stdout})
		}
		if res.Stderr != "" {
			pub.Publish(Event{Type: EventStream, Name: StreamStderr, Text: res.Stderr})
		}
		if !res.Success {
			pub.Publish(Event{
				Type:       EventError,
				ErrorName:  res.ErrorName,
				ErrorValue: res.ErrorValue,
				Traceback:  res.Traceback,
			})
		}
	}

	if res.Success {
		return Reply{Status: StatusOK, ExecutionCount: count, Result: res}, nil
	}
	return Reply{
		Status:         StatusError,
		ExecutionCount: count,
		ErrorName:      res.ErrorName,
		ErrorValue:     res.ErrorValue,
		Traceback:      res.Traceback,
		Result:         res,
	}, nil
}

// Interrupt asks the engine to stop the running execution. It may be called
// while Execute is blocked.
func (s *Session) Interrupt() {
	s.engine.Interrupt()
}

// Shutdown stops the engine, or restarts it when restart is set. A restart
// resets the execution counter.
func (s *Session) Shutdown(ctx context.Context, restart bool) (ShutdownReply, error) {
	if !s.busy.TryLock() {
		return ShutdownReply{}, ErrBusy
	}
	defer s.busy.Unlock()

	if restart {
		if err := s.engine.Restart(ctx); err != nil {
			return ShutdownReply{}, err
		}
		s.mu.Lock()
		s.count = 0
		s.mu.Unlock()
		s.logger.Info("session restarted")
	} else {
		s.engine.Shutdown()
		s.logger.Info("session shut down")
	}
	return ShutdownReply{Status: StatusOK, Restart: restart}, nil
}

// Close kills the engine even if an execution is in flight; the blocked
// Execute returns with a KernelDied reply.
func (s *Session) Close() {
	s.engine.Shutdown()
}

// IsComplete reports whether code is ready to run.
func (s *Session) IsComplete(code string) CompletenessReply {
	return IsComplete(code)
}

// IsComplete applies the line-ending heuristic: a cell whose last non-empty
// line ends in ':' or '\' needs more input.
func IsComplete(code string) CompletenessReply {
	code = strings.TrimSpace(code)
	if code == "" {
		return CompletenessReply{Status: StatusComplete}
	}
	lines := strings.Split(code, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasSuffix(last, ":") || strings.HasSuffix(last, `\`) {
		return CompletenessReply{Status: StatusIncomplete, Indent: ContinuationIndent}
	}
	return CompletenessReply{Status: StatusComplete}
}

// faultResult turns an engine fault into a failed result.
func faultResult(err error) executor.Result {
	msg := err.Error()
	stderr := ""
	var ee *executor.Error
	if errors.As(err, &ee) {
		msg = ee.Message
		if msg == "" {
			msg = ee.Kind.Error()
		}
		stderr = ee.Stderr
	}
	return executor.Result{
		Stderr:     stderr,
		Success:    false,
		ErrorName:  FaultName(err),
		ErrorValue: msg,
		Traceback:  []string{msg},
	}
}

// FaultName classifies an engine fault.
func FaultName(err error) string {
	switch {
	case errors.Is(err, executor.ErrProcessDied), errors.Is(err, executor.ErrNotRunning):
		return KernelDied
	case errors.Is(err, executor.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KernelTimeout
	case errors.Is(err, executor.ErrProtocol):
		return ProtocolError
	default:
		return KernelError
	}
}
