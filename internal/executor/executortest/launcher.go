// Package executortest provides a fake child process for engine tests. A
// fake child is a Go function running in its own goroutine, wired to the
// engine through in-memory pipes, so tests exercise the real framing and
// lifecycle code without a toolchain installed.
package executortest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// ChildFunc is the body of a fake child. Returning from it is the child
// exiting.
type ChildFunc func(c *Child)

// Launcher is a fake executor.Launcher.
type Launcher struct {
	// Child runs for every launch.
	Child ChildFunc
	// Err, when set, makes Launch fail.
	Err error

	mu       sync.Mutex
	children []*Child
}

var _ executor.Launcher = (*Launcher)(nil)

// NewLauncher returns a launcher running fn for each child.
func NewLauncher(fn ChildFunc) *Launcher {
	return &Launcher{Child: fn}
}

// Launch starts a fake child.
func (l *Launcher) Launch(ctx context.Context, cmd executor.Command) (executor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Err != nil {
		return nil, l.Err
	}

	c := newChild(cmd)
	l.mu.Lock()
	l.children = append(l.children, c)
	l.mu.Unlock()

	go func() {
		defer c.exit()
		l.Child(c)
	}()
	return c.process(), nil
}

// Launches returns how many children were started.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}

// Last returns the most recently launched child, or nil.
func (l *Launcher) Last() *Child {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.children) == 0 {
		return nil
	}
	return l.children[len(l.children)-1]
}

// Child is the fake child's side of the pipes.
type Child struct {
	Cmd executor.Command
	In  *bufio.Reader
	Out io.Writer
	Err io.Writer

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	interrupts chan struct{}
	killed     chan struct{}
	done       chan struct{}
	killOnce   sync.Once
	exitOnce   sync.Once

	mu       sync.Mutex
	received []string
	nInt     int
}

func newChild(cmd executor.Command) *Child {
	c := &Child{
		Cmd:        cmd,
		interrupts: make(chan struct{}, 16),
		killed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	c.In = bufio.NewReader(c.stdinR)
	c.Out = c.stdoutW
	c.Err = c.stderrW
	return c
}

// Printf writes formatted text to the child's stdout.
func (c *Child) Printf(format string, args ...any) error {
	_, err := fmt.Fprintf(c.Out, format, args...)
	return err
}

// Record notes a code payload the child received.
func (c *Child) Record(code string) {
	c.mu.Lock()
	c.received = append(c.received, code)
	c.mu.Unlock()
}

// Received returns every payload recorded so far.
func (c *Child) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

// Interrupts returns how many interrupts were delivered.
func (c *Child) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nInt
}

// Interrupted delivers one value per interrupt.
func (c *Child) Interrupted() <-chan struct{} { return c.interrupts }

// Killed is closed when the engine kills the child.
func (c *Child) Killed() <-chan struct{} { return c.killed }

// Done is closed when the child has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

func (c *Child) exit() {
	c.exitOnce.Do(func() {
		c.stdoutW.Close()
		c.stderrW.Close()
		c.stdinR.CloseWithError(errors.New("child exited"))
		close(c.done)
	})
}

func (c *Child) kill() {
	c.killOnce.Do(func() {
		close(c.killed)
		// Closing every pipe unblocks the child wherever it is waiting.
		c.stdinR.CloseWithError(errors.New("child killed"))
		c.stdoutW.Close()
		c.stderrW.Close()
	})
}

func (c *Child) process() *process { return &process{c: c} }

// process is the engine's side of a fake child.
type process struct {
	c *Child
}

func (p *process) Stdin() io.WriteCloser { return p.c.stdinW }
func (p *process) Stdout() io.Reader     { return p.c.stdoutR }
func (p *process) Stderr() io.Reader     { return p.c.stderrR }
func (p *process) Done() <-chan struct{} { return p.c.done }

func (p *process) Interrupt() error {
	p.c.mu.Lock()
	p.c.nInt++
	p.c.mu.Unlock()
	select {
	case p.c.interrupts <- struct{}{}:
	default:
	}
	return nil
}

func (p *process) Kill() error {
	p.c.kill()
	select {
	case <-p.c.done:
	case <-time.After(5 * time.Second):
		return errors.New("executortest: child did not exit after kill")
	}
	p.c.stdinW.Close()
	p.c.stdoutR.Close()
	p.c.stderrR.Close()
	return nil
}
