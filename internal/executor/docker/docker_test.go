package docker

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/mojo-kernel/internal/executor"
)

func TestContainerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cmd := executor.Command{
		Path: "/opt/modular/bin/mojo-repl-server",
		Args: []string{"/opt/modular"},
		Env:  executor.RuntimeEnv("/opt/modular"),
		Dir:  "/tmp",
	}

	c, host := containerConfig(cfg, cmd)

	assert.Equal(t, cfg.Image, c.Image)
	assert.Equal(t, []string{"/opt/modular/bin/mojo-repl-server", "/opt/modular"}, []string(c.Cmd))
	assert.Equal(t, cmd.Env, c.Env)
	assert.Equal(t, "/tmp", c.WorkingDir)
	assert.Equal(t, "nobody", c.User)
	assert.True(t, c.OpenStdin)
	assert.True(t, c.AttachStdin)
	assert.False(t, c.Tty)

	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.Equal(t, int64(2*1024*1024*1024), host.Memory)
	assert.Equal(t, int64(2e9), host.NanoCPUs)
	assert.True(t, host.ReadonlyRootfs)
	assert.Contains(t, host.Tmpfs, "/tmp")
}

func TestContainerConfig_Terminal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Terminal = true
	cfg.ReadonlyRootfs = false

	c, host := containerConfig(cfg, executor.Command{Path: "mojo", Args: []string{"repl"}})

	assert.True(t, c.Tty)
	assert.Equal(t, []string{"mojo", "repl"}, []string(c.Cmd))
	assert.False(t, host.ReadonlyRootfs)
	assert.Empty(t, host.Tmpfs)
}

func TestLauncher(t *testing.T) {
	// Needs a reachable docker daemon
	if os.Getenv("MOJOKERNEL_DOCKER_TESTS") == "" {
		t.Skip("set MOJOKERNEL_DOCKER_TESTS to run container tests")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := DefaultConfig()
	cfg.Image = "alpine:3.20"
	cfg.MemoryLimit = 64 * 1024 * 1024
	cfg.CPULimit = 0.5

	l, err := New(context.Background(), cfg, logger)
	require.NoError(t, err, "Should initialize docker launcher without error")
	defer l.Close()

	t.Run("echoes stdin", func(t *testing.T) {
		p, err := l.Launch(context.Background(), executor.Command{Path: "cat"})
		require.NoError(t, err)
		defer p.Kill()

		_, err = p.Stdin().Write([]byte("hello from the sandbox\n"))
		require.NoError(t, err)

		line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "hello from the sandbox\n", line)
	})

	t.Run("separates stderr", func(t *testing.T) {
		p, err := l.Launch(context.Background(), executor.Command{
			Path: "sh",
			Args: []string{"-c", "echo out; echo err >&2"},
		})
		require.NoError(t, err)
		defer p.Kill()

		errOut := make(chan string, 1)
		go func() {
			b, _ := io.ReadAll(p.Stderr())
			errOut <- string(b)
		}()
		out, err := io.ReadAll(p.Stdout())
		require.NoError(t, err)
		assert.Equal(t, "out\n", string(out))
		assert.Equal(t, "err\n", <-errOut)

		select {
		case <-p.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("container did not exit")
		}
	})

	t.Run("no network", func(t *testing.T) {
		p, err := l.Launch(context.Background(), executor.Command{
			Path: "sh",
			Args: []string{"-c", "wget -q -T 2 -O - http://example.com || echo offline"},
		})
		require.NoError(t, err)
		defer p.Kill()

		out, err := io.ReadAll(p.Stdout())
		require.NoError(t, err)
		assert.Contains(t, string(out), "offline")
	})

	t.Run("kill removes container", func(t *testing.T) {
		p, err := l.Launch(context.Background(), executor.Command{Path: "sleep", Args: []string{"300"}})
		require.NoError(t, err)

		require.NoError(t, p.Kill())
		assert.True(t, executor.Exited(p))
	})
}
