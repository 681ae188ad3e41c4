// Package process launches REPL children on the local machine, either over
// plain pipes or on a pseudo-terminal.
package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// killWait bounds how long Kill waits for the child to be reaped.
const killWait = 5 * time.Second

// Local launches children connected through three OS pipes.
type Local struct {
	logger *slog.Logger
}

var _ executor.Launcher = (*Local)(nil)

// NewLocal creates a pipe launcher.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{logger: logger}
}

// Launch starts cmd with its stdin, stdout and stderr attached to pipes owned
// by the returned process. The child runs in its own process group.
func (l *Local) Launch(ctx context.Context, cmd executor.Command) (executor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Env = cmd.Env
	c.Dir = cmd.Dir
	setProcGroup(c)

	// The child ends are handed to the process and closed here after Start,
	// so the parent sees EOF on stdout as soon as the child exits.
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err == nil {
			files = append(files, r, w)
		}
		return r, w, err
	}

	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, executor.Fault(executor.ErrLaunch, "creating stdin pipe: %v", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, executor.Fault(executor.ErrLaunch, "creating stdout pipe: %v", err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, executor.Fault(executor.ErrLaunch, "creating stderr pipe: %v", err)
	}

	c.Stdin = stdinR
	c.Stdout = stdoutW
	c.Stderr = stderrW

	if err := c.Start(); err != nil {
		closeAll()
		return nil, executor.Fault(executor.ErrLaunch, "starting %s: %v", cmd.Path, err)
	}
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &localProcess{
		cmd:    c,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
		logger: l.logger,
	}
	go p.wait()

	l.logger.Debug("child process started",
		slog.String("path", cmd.Path),
		slog.Int("pid", c.Process.Pid),
	)
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Stderr() io.Reader     { return p.stderr }
func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	p.logger.Debug("child process exited",
		slog.Int("pid", p.cmd.Process.Pid),
		slog.Any("status", err),
	)
	close(p.done)
}

func (p *localProcess) Interrupt() error {
	if executor.Exited(p) {
		return nil
	}
	return interruptProcess(p.cmd.Process)
}

func (p *localProcess) Kill() error {
	var err error
	if !executor.Exited(p) {
		err = killProcessGroup(p.cmd.Process.Pid)
		if err != nil {
			err = p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(killWait):
			p.logger.Warn("child process did not exit after kill", slog.Int("pid", p.cmd.Process.Pid))
		}
	}
	p.closeOnce.Do(func() {
		p.stdin.Close()
		p.stdout.Close()
		p.stderr.Close()
	})
	return err
}
