package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakif/mojo-kernel/internal/server"
	"github.com/sakif/mojo-kernel/internal/session"
)

const (
	promptFormat       = "In [%d]: "
	continuationPrompt = "   ...: "
)

func newConsoleCommand() *cobra.Command {
	var engine string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run cells interactively in a local kernel",
		Long: `Start one kernel and read cells from standard input. A line ending in ':'
or '\' opens a block that a blank line closes. Ctrl-C interrupts the running
cell; "%restart" restarts the kernel; "exit" or end of input quits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if engine == "" {
				engine = cfg.Engine.Kind
			}

			ctx := cmd.Context()
			logger := newLogger(cfg, cmd.ErrOrStderr())

			engines, err := server.NewEngines(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer engines.Close()

			eng, err := engines.New(engine)
			if err != nil {
				return err
			}
			sess := session.New(eng, logger.With("engine", engine))
			if err := sess.Start(ctx); err != nil {
				return fmt.Errorf("starting kernel: %w", err)
			}
			defer sess.Close()

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			fmt.Fprintf(cmd.OutOrStdout(), "Mojo Jupyter Kernel (%s engine)\n", engine)
			return runConsole(ctx, sess, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), interrupts)
		},
	}

	cmd.Flags().StringVarP(&engine, "engine", "e", "", "engine kind: server or pty (default engine.kind)")

	return cmd
}

// console is a line-oriented front-end over one session.
type console struct {
	sess       *session.Session
	lines      <-chan string
	scanErr    error // valid once lines is closed
	out        io.Writer
	errOut     io.Writer
	interrupts <-chan os.Signal
}

// runConsole reads cells from in until exit or end of input. An interrupt
// while a cell runs is forwarded to the kernel; at the prompt it discards
// the partial cell.
func runConsole(ctx context.Context, sess *session.Session, in io.Reader, out, errOut io.Writer, interrupts <-chan os.Signal) error {
	stop := make(chan struct{})
	defer close(stop)

	c := &console{
		sess:       sess,
		out:        out,
		errOut:     errOut,
		interrupts: interrupts,
	}
	c.lines = c.scan(in, stop)

	for {
		code, ok := c.readCell()
		if !ok {
			fmt.Fprintln(out)
			return c.scanErr
		}

		switch strings.TrimSpace(code) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "%restart":
			if _, err := sess.Shutdown(ctx, true); err != nil {
				fmt.Fprintf(errOut, "restart failed: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "Kernel restarted.")
			continue
		}

		if err := c.execute(ctx, code); err != nil {
			return err
		}
	}
}

// scan feeds lines from in until end of input or stop. Reading happens on
// its own goroutine so the prompt can react to interrupts.
func (c *console) scan(in io.Reader, stop <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		c.scanErr = sc.Err()
	}()
	return lines
}

// readCell reads one line, or a block when the first line is incomplete. An
// interrupt throws away what was typed so far and prompts again.
func (c *console) readCell() (string, bool) {
	fmt.Fprintf(c.out, promptFormat, c.sess.ExecutionCount()+1)

	var block []string
	for {
		select {
		case <-c.interrupts:
			block = nil
			fmt.Fprintln(c.out, "\nKeyboardInterrupt")
			fmt.Fprintf(c.out, promptFormat, c.sess.ExecutionCount()+1)

		case line, open := <-c.lines:
			switch {
			case !open && block == nil:
				return "", false
			case !open:
				return strings.Join(block, "\n"), true
			case block == nil && c.sess.IsComplete(line).Status == session.StatusComplete:
				return line, true
			case block != nil && strings.TrimSpace(line) == "":
				return strings.Join(block, "\n"), true
			}
			block = append(block, line)
			fmt.Fprint(c.out, continuationPrompt)
		}
	}
}

func (c *console) execute(ctx context.Context, code string) error {
	// Interrupts that arrived before the cell started belong to no one.
	for drained := false; !drained; {
		select {
		case <-c.interrupts:
		default:
			drained = true
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-c.interrupts:
				c.sess.Interrupt()
			case <-done:
				return
			}
		}
	}()

	_, err := c.sess.Execute(ctx, session.NewRequest(code), session.PublisherFunc(c.publish))
	close(done)
	return err
}

func (c *console) publish(e session.Event) {
	switch {
	case e.Type == session.EventStream && e.Name == session.StreamStdout:
		io.WriteString(c.out, e.Text)
	case e.Type == session.EventStream:
		io.WriteString(c.errOut, e.Text)
	case e.Type == session.EventError && len(e.Traceback) > 0:
		fmt.Fprintln(c.errOut, strings.Join(e.Traceback, "\n"))
	case e.Type == session.EventError:
		fmt.Fprintf(c.errOut, "%s: %s\n", e.ErrorName, e.ErrorValue)
	}
}
