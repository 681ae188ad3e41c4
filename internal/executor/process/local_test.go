//go:build !windows

package process_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/mojo-kernel/internal/executor"
	"github.com/sakif/mojo-kernel/internal/executor/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, p executor.Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestLocal_EchoesThroughPipes(t *testing.T) {
	l := process.NewLocal(testLogger())
	p, err := l.Launch(context.Background(), executor.Command{Path: "/bin/cat"})
	require.NoError(t, err)
	defer p.Kill()

	_, err = io.WriteString(p.Stdin(), "hello\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
	assert.False(t, executor.Exited(p))

	require.NoError(t, p.Stdin().Close())
	waitDone(t, p)
	assert.True(t, executor.Exited(p))
}

func TestLocal_StderrAndEnv(t *testing.T) {
	l := process.NewLocal(testLogger())
	p, err := l.Launch(context.Background(), executor.Command{
		Path: "/bin/sh",
		Args: []string{"-c", `echo "$GREETING" >&2`},
		Env:  []string{"GREETING=hi from stderr"},
	})
	require.NoError(t, err)
	defer p.Kill()

	out, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "hi from stderr\n", string(out))
	waitDone(t, p)
}

func TestLocal_StdoutEOFOnExit(t *testing.T) {
	l := process.NewLocal(testLogger())
	p, err := l.Launch(context.Background(), executor.Command{Path: "/bin/sh", Args: []string{"-c", "echo done"}})
	require.NoError(t, err)
	defer p.Kill()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(out))
}

func TestLocal_KillStopsChild(t *testing.T) {
	l := process.NewLocal(testLogger())
	p, err := l.Launch(context.Background(), executor.Command{Path: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)

	_ = p.Kill()
	assert.True(t, executor.Exited(p))

	// Killing twice is harmless.
	_ = p.Kill()
}

func TestLocal_InterruptDeliversSIGINT(t *testing.T) {
	l := process.NewLocal(testLogger())
	p, err := l.Launch(context.Background(), executor.Command{
		Path: "/bin/sh",
		Args: []string{"-c", `trap 'echo interrupted; exit 0' INT; echo ready; while :; do sleep 0.05; done`},
	})
	require.NoError(t, err)
	defer p.Kill()

	r := bufio.NewReader(p.Stdout())
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)

	require.NoError(t, p.Interrupt())

	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "interrupted\n", line)
	waitDone(t, p)

	// Interrupting an exited child is a no-op.
	assert.NoError(t, p.Interrupt())
}

func TestLocal_LaunchMissingBinary(t *testing.T) {
	l := process.NewLocal(testLogger())
	_, err := l.Launch(context.Background(), executor.Command{Path: "/nonexistent/mojo-repl-server"})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrLaunch)
}

func TestLocal_LaunchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := process.NewLocal(testLogger()).Launch(ctx, executor.Command{Path: "/bin/cat"})
	assert.ErrorIs(t, err, context.Canceled)
}
