package executor_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/mojo-kernel/internal/executor"
)

func noPath(string) (string, error) { return "", os.ErrNotExist }

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

func TestLocateServer(t *testing.T) {
	t.Run("build dir wins", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, filepath.Join(dir, "mojo-repl-server"))

		cfg := executor.DefaultConfig()
		cfg.BuildDir = dir
		cfg.LookPath = func(string) (string, error) { return "/usr/bin/mojo-repl-server", nil }

		got, err := cfg.LocateServer()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "mojo-repl-server"), got)
	})

	t.Run("falls back to PATH", func(t *testing.T) {
		cfg := executor.DefaultConfig()
		cfg.BuildDir = t.TempDir()
		cfg.LookPath = func(file string) (string, error) { return "/usr/local/bin/" + file, nil }

		got, err := cfg.LocateServer()
		require.NoError(t, err)
		assert.Equal(t, "/usr/local/bin/mojo-repl-server", got)
	})

	t.Run("not found", func(t *testing.T) {
		cfg := executor.DefaultConfig()
		cfg.BuildDir = t.TempDir()
		cfg.LookPath = noPath

		_, err := cfg.LocateServer()
		require.Error(t, err)
		assert.True(t, errors.Is(err, executor.ErrNotFound))
		assert.Contains(t, err.Error(), "build the server first")
	})
}

func TestResolveRoot(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		cfg := executor.DefaultConfig()
		cfg.RuntimeRoot = "/opt/modular"
		cfg.LookPath = noPath

		root, err := cfg.ResolveRoot()
		require.NoError(t, err)
		assert.Equal(t, "/opt/modular", root)
	})

	t.Run("derived from driver", func(t *testing.T) {
		root := t.TempDir()
		driver := filepath.Join(root, "bin", "mojo")
		touch(t, driver)

		cfg := executor.DefaultConfig()
		cfg.LookPath = func(string) (string, error) { return driver, nil }

		got, err := cfg.ResolveRoot()
		require.NoError(t, err)
		want, err := filepath.EvalSymlinks(root)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("no driver", func(t *testing.T) {
		cfg := executor.DefaultConfig()
		cfg.LookPath = noPath

		_, err := cfg.ResolveRoot()
		assert.True(t, errors.Is(err, executor.ErrNotFound))
	})
}

func TestLocateRepl(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "bin", "mojo"))

	cfg := executor.DefaultConfig()
	cfg.RuntimeRoot = root
	cfg.LookPath = noPath

	got, err := cfg.LocateRepl()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bin", "mojo"), got)

	cfg.RuntimeRoot = t.TempDir()
	_, err = cfg.LocateRepl()
	assert.True(t, errors.Is(err, executor.ErrNotFound))
}

func TestEnviron(t *testing.T) {
	cfg := executor.DefaultConfig()
	cfg.InheritEnv = false
	cfg.Env = []string{"MOJO_PYTHON_LIBRARY=/usr/lib/libpython3.11.so"}

	env := cfg.Environ("/opt/modular", "TERM=dumb")
	assert.Equal(t, []string{
		"MODULAR_MAX_PACKAGE_ROOT=/opt/modular",
		"MODULAR_MOJO_MAX_PACKAGE_ROOT=/opt/modular",
		"MODULAR_MOJO_MAX_DRIVER_PATH=/opt/modular/bin/mojo",
		"MODULAR_MOJO_MAX_IMPORT_PATH=/opt/modular/lib/mojo",
		"MOJO_PYTHON_LIBRARY=/usr/lib/libpython3.11.so",
		"TERM=dumb",
	}, env)

	t.Setenv("MOJOKERNEL_TEST_MARKER", "1")
	cfg.InheritEnv = true
	assert.Contains(t, cfg.Environ("/opt/modular"), "MOJOKERNEL_TEST_MARKER=1")
}
