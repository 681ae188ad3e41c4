package executor

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Config holds everything an engine needs to find and launch its child.
// It is built once from application configuration and passed to engines
// explicitly; engines never read the process environment on their own.
type Config struct {
	// ServerBinary is the JSON-lines REPL server executable name.
	ServerBinary string
	// BuildDir is checked for ServerBinary before PATH.
	BuildDir string
	// ReplBinary and ReplArgs start the interactive REPL for the terminal engine.
	ReplBinary string
	ReplArgs   []string
	// RuntimeRoot is the toolchain package root. When empty it is derived
	// from the location of the driver on PATH.
	RuntimeRoot string
	// Env is appended to the child's environment after the runtime variables.
	Env []string
	// InheritEnv copies the broker's own environment into the child.
	InheritEnv bool

	// ReadyTimeout bounds Start. Zero waits forever.
	ReadyTimeout time.Duration
	// ExecTimeout bounds each Execute. Zero waits forever.
	ExecTimeout time.Duration
	// PromptTimeout bounds how long the terminal engine waits for a prompt.
	PromptTimeout time.Duration
	// SettleDelay is how long terminal output must stay quiet after a prompt.
	SettleDelay time.Duration
	// LineDelay paces source lines written to the terminal.
	LineDelay time.Duration

	// LookPath resolves executables on PATH. Nil means exec.LookPath.
	LookPath func(file string) (string, error)
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ServerBinary:  "mojo-repl-server",
		BuildDir:      "build",
		ReplBinary:    "mojo",
		ReplArgs:      []string{"repl"},
		InheritEnv:    true,
		ReadyTimeout:  2 * time.Minute,
		PromptTimeout: 30 * time.Second,
		SettleDelay:   300 * time.Millisecond,
		LineDelay:     5 * time.Millisecond,
	}
}

func (c Config) lookPath(file string) (string, error) {
	if c.LookPath != nil {
		return c.LookPath(file)
	}
	return exec.LookPath(file)
}

// LocateServer finds the REPL server binary: the build directory first,
// then PATH.
func (c Config) LocateServer() (string, error) {
	if c.BuildDir != "" {
		p := filepath.Join(c.BuildDir, c.ServerBinary)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return filepath.Abs(p)
		}
	}
	if p, err := c.lookPath(c.ServerBinary); err == nil {
		return p, nil
	}
	return "", Fault(ErrNotFound, "%s not found in %q or on PATH; build the server first", c.ServerBinary, c.BuildDir)
}

// LocateRepl finds the interactive REPL driver, preferring the one shipped
// in the runtime root.
func (c Config) LocateRepl() (string, error) {
	if root, err := c.ResolveRoot(); err == nil {
		p := filepath.Join(root, "bin", c.ReplBinary)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	if p, err := c.lookPath(c.ReplBinary); err == nil {
		return p, nil
	}
	return "", Fault(ErrNotFound, "%s not found on PATH", c.ReplBinary)
}

// ResolveRoot returns the runtime root, deriving <root> from a driver
// installed as <root>/bin/mojo when none is configured.
func (c Config) ResolveRoot() (string, error) {
	if c.RuntimeRoot != "" {
		return c.RuntimeRoot, nil
	}
	driver, err := c.lookPath("mojo")
	if err != nil {
		return "", Fault(ErrNotFound, "runtime root not configured and mojo driver not on PATH")
	}
	if resolved, err := filepath.EvalSymlinks(driver); err == nil {
		driver = resolved
	}
	return filepath.Dir(filepath.Dir(driver)), nil
}

// RuntimeEnv returns the variables pointing the child at its runtime
// package, driver and import roots.
func RuntimeEnv(root string) []string {
	return []string{
		"MODULAR_MAX_PACKAGE_ROOT=" + root,
		"MODULAR_MOJO_MAX_PACKAGE_ROOT=" + root,
		"MODULAR_MOJO_MAX_DRIVER_PATH=" + filepath.Join(root, "bin", "mojo"),
		"MODULAR_MOJO_MAX_IMPORT_PATH=" + filepath.Join(root, "lib", "mojo"),
	}
}

// Environ builds the full child environment for the given runtime root.
func (c Config) Environ(root string, extra ...string) []string {
	var env []string
	if c.InheritEnv {
		env = append(env, os.Environ()...)
	}
	env = append(env, RuntimeEnv(root)...)
	env = append(env, c.Env...)
	return append(env, extra...)
}
