// Package server implements the Engine that talks to a persistent REPL
// server over newline-delimited JSON on the child's standard streams.
//
// One request is in flight at a time: each Execute writes a single request
// line and blocks for exactly one response line. Request ids increase
// monotonically for the lifetime of the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// stderrGrace bounds how long a dying child's stderr is awaited before the
// failure is reported with whatever arrived.
const stderrGrace = 2 * time.Second

// Engine is the JSON-lines server backend.
type Engine struct {
	cfg      executor.Config
	launcher executor.Launcher
	logger   *slog.Logger

	// mu guards the fields below. It is never held across child I/O so
	// Interrupt and Shutdown stay responsive during a blocked Execute.
	mu         sync.Mutex
	state      executor.State
	proc       executor.Process
	enc        *Encoder
	dec        *Decoder
	stderr     *executor.TailBuffer
	stderrDone <-chan struct{}
	nextID     int64
}

var _ executor.Engine = (*Engine)(nil)

// New creates an engine in the not-started state.
func New(cfg executor.Config, launcher executor.Launcher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.With(slog.String("engine", "server")),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() executor.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start launches the server and waits for its ready message.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.proc != nil && !executor.Exited(e.proc) {
		e.mu.Unlock()
		return executor.Fault(executor.ErrLaunch, "engine already started")
	}
	e.mu.Unlock()
	// Clear a leftover handle from a child that died on its own.
	e.Shutdown()

	bin, err := e.cfg.LocateServer()
	if err != nil {
		return err
	}
	root, err := e.cfg.ResolveRoot()
	if err != nil {
		return err
	}

	proc, err := e.launcher.Launch(ctx, executor.Command{
		Path: bin,
		Args: []string{root},
		Env:  e.cfg.Environ(root),
	})
	if err != nil {
		if errors.Is(err, executor.ErrLaunch) {
			return err
		}
		return executor.Fault(executor.ErrLaunch, "launching %s: %v", bin, err)
	}

	tail := &executor.TailBuffer{}
	stderrDone := executor.DrainStderr(proc.Stderr(), tail, e.logger)
	dec := NewDecoder(proc.Stdout())

	e.mu.Lock()
	e.state = executor.StateAwaitingReady
	e.proc = proc
	e.enc = NewEncoder(proc.Stdin())
	e.dec = dec
	e.stderr = tail
	e.stderrDone = stderrDone
	e.mu.Unlock()

	e.logger.Info("waiting for repl server", slog.String("binary", bin), slog.String("root", root))

	line, err := e.receive(ctx, proc, dec, e.cfg.ReadyTimeout)
	if err != nil {
		return e.fail(proc, err)
	}

	var ready ReadyMessage
	if err := json.Unmarshal(line, &ready); err != nil {
		e.abandon(proc)
		return executor.Fault(executor.ErrProtocol, "unparseable ready message: %s", line)
	}
	switch ready.Status {
	case StatusReady:
	case StatusError:
		e.abandon(proc)
		msg := ready.Message
		if msg == "" {
			msg = "unknown error"
		}
		return executor.Fault(executor.ErrProtocol, "server failed to start: %s", msg)
	default:
		e.abandon(proc)
		return executor.Fault(executor.ErrProtocol, "unexpected server response: %s", line)
	}

	e.mu.Lock()
	if e.proc == proc {
		e.state = executor.StateReady
	}
	e.mu.Unlock()

	e.logger.Info("repl server ready")
	return nil
}

// Execute sends code to the server and waits for its response. Blank code
// returns the empty result without contacting the child.
func (e *Engine) Execute(ctx context.Context, code string) (executor.Result, error) {
	if executor.IsBlank(code) {
		return executor.EmptyResult(), nil
	}

	e.mu.Lock()
	if e.state != executor.StateReady || e.proc == nil {
		state := e.state
		e.mu.Unlock()
		return executor.Result{}, executor.Fault(executor.ErrNotRunning, "cannot execute: engine is %s", state)
	}
	proc, enc, dec := e.proc, e.enc, e.dec
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	if err := enc.Encode(Request{Type: "execute", Code: code, ID: id}); err != nil {
		e.logger.Warn("writing request failed", slog.Int64("id", id), slog.String("error", err.Error()))
		return executor.Result{}, e.fail(proc, executor.Died(""))
	}

	line, err := e.receive(ctx, proc, dec, e.cfg.ExecTimeout)
	if err != nil {
		return executor.Result{}, e.fail(proc, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		e.abandon(proc)
		return executor.Result{}, executor.Fault(executor.ErrProtocol, "malformed response: %s", line)
	}
	if resp.ID != 0 && resp.ID != id {
		e.abandon(proc)
		return executor.Result{}, executor.Fault(executor.ErrProtocol,
			"response id %d does not match request id %d", resp.ID, id)
	}

	return resp.Result(), nil
}

// Interrupt signals the child if it is alive.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()

	if proc == nil || executor.Exited(proc) {
		return
	}
	if err := proc.Interrupt(); err != nil {
		e.logger.Warn("interrupt failed", slog.String("error", err.Error()))
	}
}

// Restart kills the current child and starts a fresh one.
func (e *Engine) Restart(ctx context.Context) error {
	e.Shutdown()
	return e.Start(ctx)
}

// Shutdown kills the child if it is alive and releases the handle.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	proc := e.proc
	e.proc, e.enc, e.dec = nil, nil, nil
	if proc != nil {
		e.state = executor.StateDead
	}
	e.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		e.logger.Debug("kill returned error", slog.String("error", err.Error()))
	}
}

// Alive reports whether the child exists and has not exited.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	return proc != nil && !executor.Exited(proc)
}

// receive reads one message line. Without a deadline the read blocks for as
// long as the child stays silent; with one, expiry kills the child, which is
// what unblocks the pending read.
func (e *Engine) receive(ctx context.Context, proc executor.Process, dec *Decoder, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if ctx.Done() == nil {
		return dec.Next()
	}

	type lineResult struct {
		line []byte
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := dec.Next()
		ch <- lineResult{line, err}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		e.abandon(proc)
		<-ch
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, executor.Fault(executor.ErrTimeout, "no response from repl server")
		}
		return nil, fmt.Errorf("waiting for repl server: %w", ctx.Err())
	}
}

// fail turns a read or write failure into the error reported to the caller
// and moves the engine to Dead. Stream errors become ErrProcessDied carrying
// the child's stderr.
func (e *Engine) fail(proc executor.Process, err error) error {
	var engineErr *executor.Error
	if errors.As(err, &engineErr) && !errors.Is(err, executor.ErrProcessDied) {
		e.abandon(proc)
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.abandon(proc)
		return err
	}

	stderr := e.collectStderr(proc)
	e.abandon(proc)
	e.logger.Warn("repl server died", slog.String("stderr", stderr))
	return executor.Died(stderr)
}

// collectStderr waits briefly for the stderr drain of proc to finish and
// returns what it captured.
func (e *Engine) collectStderr(proc executor.Process) string {
	e.mu.Lock()
	if e.proc != proc {
		e.mu.Unlock()
		return ""
	}
	tail, done := e.stderr, e.stderrDone
	e.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stderrGrace):
	}
	return tail.String()
}

// abandon kills proc and, if it is still the engine's child, moves the
// engine to Dead.
func (e *Engine) abandon(proc executor.Process) {
	e.mu.Lock()
	if e.proc == proc {
		e.proc, e.enc, e.dec = nil, nil, nil
		e.state = executor.StateDead
	}
	e.mu.Unlock()
	_ = proc.Kill()
}
