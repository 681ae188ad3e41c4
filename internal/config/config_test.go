package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MOJOKERNEL_AUTH_JWTSECRET", testSecret)

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8888", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Zero(t, cfg.Server.WriteTimeout)
	assert.Equal(t, "data/mojokernel.db", cfg.Database.Path)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenDuration)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Equal(t, "server", cfg.Engine.Kind)
	assert.Equal(t, LauncherLocal, cfg.Engine.Launcher)
	assert.Equal(t, "mojo-repl-server", cfg.Engine.ServerBinary)
	assert.Equal(t, []string{"repl"}, cfg.Engine.ReplArgs)
	assert.Equal(t, 2*time.Minute, cfg.Engine.ReadyTimeout)
	assert.Zero(t, cfg.Engine.ExecTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.PromptTimeout)

	assert.Equal(t, "modular/max-full:latest", cfg.Docker.Image)
	assert.Equal(t, "none", cfg.Docker.Network)
}

func TestLoad_File(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9999
  writeTimeout: 10m
auth:
  enabled: false
  anonymousClient: me
logging:
  format: json
  level: debug
engine:
  kind: pty
  launcher: docker
  runtimeRoot: /opt/mojo
  replArgs: ["repl", "-q"]
  execTimeout: 90s
docker:
  image: example/mojo:1
  memoryLimit: 1073741824
`)

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Server.WriteTimeout)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "me", cfg.Auth.AnonymousClient)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "pty", cfg.Engine.Kind)
	assert.Equal(t, LauncherDocker, cfg.Engine.Launcher)
	assert.Equal(t, []string{"repl", "-q"}, cfg.Engine.ReplArgs)
	assert.Equal(t, 90*time.Second, cfg.Engine.ExecTimeout)
	assert.Equal(t, "example/mojo:1", cfg.Docker.Image)
	assert.EqualValues(t, 1<<30, cfg.Docker.MemoryLimit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := writeConfig(t, "server:\n  port: 9999\nauth:\n  jwtSecret: "+testSecret+"\n")
	t.Setenv("MOJOKERNEL_SERVER_PORT", "7000")
	t.Setenv("MOJOKERNEL_ENGINE_EXECTIMEOUT", "5s")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Engine.ExecTimeout)
}

func TestLoad_LegacyEngineSelector(t *testing.T) {
	tests := []struct {
		legacy string
		want   string
	}{
		{"server", "server"},
		{"Server", "server"},
		{"PTY", "pty"},
		{"pexpect", "pty"},
	}

	for _, tt := range tests {
		t.Run(tt.legacy, func(t *testing.T) {
			t.Setenv("MOJOKERNEL_AUTH_JWTSECRET", testSecret)
			t.Setenv(LegacyEngineEnv, tt.legacy)

			cfg, err := LoadWithPath(writeConfig(t, "engine:\n  kind: server\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Engine.Kind)
		})
	}
}

func TestLoad_EngineKindBeatsLegacySelector(t *testing.T) {
	t.Setenv("MOJOKERNEL_AUTH_JWTSECRET", testSecret)
	t.Setenv(LegacyEngineEnv, "pexpect")
	t.Setenv("MOJOKERNEL_ENGINE_KIND", "server")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Engine.Kind)
}

func TestLoad_ValidationCollectsErrors(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 0
logging:
  level: loud
engine:
  kind: notebook
  launcher: vm
`)

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	for _, want := range []string{
		"server.port",
		"auth.jwtSecret",
		"logging.level",
		"engine.kind",
		"engine.launcher",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := writeConfig(t, "server: [unclosed\n")
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestEngineConfig_Executor(t *testing.T) {
	e := EngineConfig{
		ServerBinary: "srv",
		ReplBinary:   "mojo",
		ReplArgs:     []string{"repl"},
		RuntimeRoot:  "/opt/mojo",
		ExecTimeout:  time.Minute,
		InheritEnv:   true,
	}
	c := e.Executor()
	assert.Equal(t, "srv", c.ServerBinary)
	assert.Equal(t, "/opt/mojo", c.RuntimeRoot)
	assert.Equal(t, time.Minute, c.ExecTimeout)
	assert.True(t, c.InheritEnv)

	c.ReplArgs[0] = "changed"
	assert.Equal(t, "repl", e.ReplArgs[0])
}

func TestDockerConfig_Sandbox(t *testing.T) {
	d := DockerConfig{Image: "img", Network: "none", MemoryLimit: 10}
	assert.False(t, d.Sandbox(false).Terminal)
	s := d.Sandbox(true)
	assert.True(t, s.Terminal)
	assert.Equal(t, "img", s.Image)
	assert.EqualValues(t, 10, s.MemoryLimit)
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	LoggingConfig{Level: "debug", Format: "text"}.NewLogger(&buf).Debug("text line")
	assert.Contains(t, buf.String(), "msg=\"text line\"")
}
