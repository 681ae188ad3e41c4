//go:build !windows

package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// ctrlC is the terminal interrupt character; the line discipline turns it
// into SIGINT for the foreground process group.
const ctrlC = 0x03

// Terminal launches children on a pseudo-terminal. Stdout and stderr arrive
// merged on the terminal master.
type Terminal struct {
	Cols   uint16
	Rows   uint16
	logger *slog.Logger
}

var _ executor.Launcher = (*Terminal)(nil)

// NewTerminal creates a pseudo-terminal launcher with a 120x80 window, wide
// enough that line editors do not wrap echoed input.
func NewTerminal(logger *slog.Logger) *Terminal {
	return &Terminal{Cols: 120, Rows: 80, logger: logger}
}

// Launch starts cmd as the session leader of a new terminal.
func (t *Terminal) Launch(ctx context.Context, cmd executor.Command) (executor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Env = cmd.Env
	c.Dir = cmd.Dir

	f, err := pty.StartWithSize(c, &pty.Winsize{Cols: t.Cols, Rows: t.Rows})
	if err != nil {
		return nil, executor.Fault(executor.ErrLaunch, "starting %s on a terminal: %v", cmd.Path, err)
	}

	p := &terminalProcess{
		cmd:    c,
		master: f,
		done:   make(chan struct{}),
		logger: t.logger,
	}
	go p.wait()

	t.logger.Debug("terminal child started",
		slog.String("path", cmd.Path),
		slog.Int("pid", c.Process.Pid),
	)
	return p, nil
}

type terminalProcess struct {
	cmd    *exec.Cmd
	master *os.File
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
}

// masterWriter writes to the terminal without letting callers close it;
// the master is released by Kill only.
type masterWriter struct{ f *os.File }

func (w masterWriter) Write(b []byte) (int, error) { return w.f.Write(b) }
func (w masterWriter) Close() error                { return nil }

func (p *terminalProcess) Stdin() io.WriteCloser { return masterWriter{p.master} }
func (p *terminalProcess) Stdout() io.Reader     { return p.master }
func (p *terminalProcess) Stderr() io.Reader     { return strings.NewReader("") }
func (p *terminalProcess) Done() <-chan struct{} { return p.done }

func (p *terminalProcess) wait() {
	err := p.cmd.Wait()
	p.logger.Debug("terminal child exited",
		slog.Int("pid", p.cmd.Process.Pid),
		slog.Any("status", err),
	)
	close(p.done)
}

func (p *terminalProcess) Interrupt() error {
	if executor.Exited(p) {
		return nil
	}
	_, err := p.master.Write([]byte{ctrlC})
	return err
}

func (p *terminalProcess) Kill() error {
	var err error
	if !executor.Exited(p) {
		// The child leads its own session, so its pid is also its group id.
		if err = killProcessGroup(p.cmd.Process.Pid); err != nil {
			err = p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(killWait):
			p.logger.Warn("terminal child did not exit after kill", slog.Int("pid", p.cmd.Process.Pid))
		}
	}
	p.closeOnce.Do(func() { p.master.Close() })
	return err
}
