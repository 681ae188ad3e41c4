// Package pty implements the Engine that drives an interactive REPL through
// a terminal. Source is typed line by line and submitted with a blank line;
// the next primary prompt marks the end of the command and the transcript in
// between is classified into output and errors.
package pty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// diagnosticTail bounds how much of a dead terminal's transcript is kept in
// the error.
const diagnosticTail = 4 * 1024

// Engine is the terminal-session backend.
type Engine struct {
	cfg      executor.Config
	launcher executor.Launcher
	logger   *slog.Logger

	// mu guards the fields below and is never held while waiting on the
	// terminal.
	mu     sync.Mutex
	state  executor.State
	proc   executor.Process
	chunks <-chan []byte
}

var _ executor.Engine = (*Engine)(nil)

// New creates an engine in the not-started state. launcher must produce
// terminal-backed processes.
func New(cfg executor.Config, launcher executor.Launcher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.With(slog.String("engine", "pty")),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() executor.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start launches the REPL and waits for its first prompt.
func (e *Engine) Start(ctx context.Context) error {
	if e.Alive() {
		return executor.Fault(executor.ErrLaunch, "engine already started")
	}
	e.Shutdown()

	bin, err := e.cfg.LocateRepl()
	if err != nil {
		return err
	}
	root, err := e.cfg.ResolveRoot()
	if err != nil {
		return err
	}

	proc, err := e.launcher.Launch(ctx, executor.Command{
		Path: bin,
		Args: e.cfg.ReplArgs,
		Env:  e.cfg.Environ(root, "TERM=dumb"),
	})
	if err != nil {
		if errors.Is(err, executor.ErrLaunch) {
			return err
		}
		return executor.Fault(executor.ErrLaunch, "launching %s: %v", bin, err)
	}

	chunks := pump(proc)
	executor.DrainStderr(proc.Stderr(), &executor.TailBuffer{}, e.logger)

	e.mu.Lock()
	e.state = executor.StateAwaitingReady
	e.proc = proc
	e.chunks = chunks
	e.mu.Unlock()

	e.logger.Info("waiting for repl prompt", slog.String("binary", bin))

	timeout := e.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = e.cfg.PromptTimeout
	}
	if _, err := e.readUntilPrompt(ctx, proc, chunks, timeout); err != nil {
		return err
	}

	e.mu.Lock()
	if e.proc == proc {
		e.state = executor.StateReady
	}
	e.mu.Unlock()

	e.logger.Info("repl ready")
	return nil
}

// Execute types code into the REPL and waits for the next prompt.
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
	proc, chunks := e.proc, e.chunks
	e.mu.Unlock()

	drain(chunks)

	// A blank line submits the block, so blank lines inside the code are
	// left out.
	var lines []string
	for _, l := range strings.Split(code, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, strings.TrimRight(l, "\r"))
		}
	}

	w := proc.Stdin()
	for _, l := range lines {
		if _, err := w.Write([]byte(l + "\n")); err != nil {
			e.abandon(proc)
			return executor.Result{}, executor.Died("")
		}
		if e.cfg.LineDelay > 0 {
			time.Sleep(e.cfg.LineDelay)
		}
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		e.abandon(proc)
		return executor.Result{}, executor.Died("")
	}

	timeout := e.cfg.ExecTimeout
	if timeout <= 0 {
		timeout = e.cfg.PromptTimeout
	}
	raw, err := e.readUntilPrompt(ctx, proc, chunks, timeout)
	if err != nil {
		return executor.Result{}, err
	}
	return ParseOutput(raw, lines), nil
}

// Interrupt sends the terminal interrupt character if the REPL is alive.
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

// Restart kills the REPL and starts a fresh one.
func (e *Engine) Restart(ctx context.Context) error {
	e.Shutdown()
	return e.Start(ctx)
}

// Shutdown kills the REPL if alive and releases the terminal.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	proc := e.proc
	e.proc, e.chunks = nil, nil
	if proc != nil {
		e.state = executor.StateDead
	}
	e.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
}

// Alive reports whether the REPL exists and has not exited.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	return proc != nil && !executor.Exited(proc)
}

// readUntilPrompt collects terminal output until a primary prompt has been
// seen and the terminal has then stayed quiet for SettleDelay. Running out
// of time without a prompt, or the terminal closing first, kills the REPL.
func (e *Engine) readUntilPrompt(ctx context.Context, proc executor.Process, chunks <-chan []byte, timeout time.Duration) (string, error) {
	var buf strings.Builder
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var settle <-chan time.Time
	prompted := false

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if prompted {
					return stripANSI(buf.String()), nil
				}
				e.abandon(proc)
				e.logger.Warn("repl terminal closed")
				return "", executor.Died(tail(stripANSI(buf.String())))
			}
			buf.Write(chunk)
			if !prompted && hasPrompt(buf.String()) {
				prompted = true
			}
			if prompted {
				settle = time.After(e.cfg.SettleDelay)
			}
		case <-settle:
			return stripANSI(buf.String()), nil
		case <-deadline:
			e.abandon(proc)
			e.logger.Warn("repl prompt not seen", slog.Duration("timeout", timeout))
			return "", &executor.Error{
				Kind:    executor.ErrTimeout,
				Message: fmt.Sprintf("no repl prompt after %s", timeout),
				Stderr:  tail(stripANSI(buf.String())),
			}
		case <-ctx.Done():
			e.abandon(proc)
			return "", fmt.Errorf("waiting for repl prompt: %w", ctx.Err())
		}
	}
}

func (e *Engine) abandon(proc executor.Process) {
	e.mu.Lock()
	if e.proc == proc {
		e.proc, e.chunks = nil, nil
		e.state = executor.StateDead
	}
	e.mu.Unlock()
	_ = proc.Kill()
}

// pump copies terminal output into a channel, closing it when the
// terminal does.
func pump(proc executor.Process) <-chan []byte {
	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		r := proc.Stdout()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ch <- chunk
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// drain discards output that arrived between commands.
func drain(chunks <-chan []byte) {
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func tail(s string) string {
	if len(s) > diagnosticTail {
		return s[len(s)-diagnosticTail:]
	}
	return s
}
