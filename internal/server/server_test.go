package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/mojo-kernel/internal/auth"
	"github.com/sakif/mojo-kernel/internal/config"
	"github.com/sakif/mojo-kernel/internal/executor"
	"github.com/sakif/mojo-kernel/internal/server"
)

const testSecret = "server-test-secret-0123456789"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	defaults := executor.DefaultConfig()
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 8888, ShutdownTimeout: time.Second},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{Enabled: true, JWTSecret: testSecret, TokenDuration: time.Hour},
		Logging:  config.LoggingConfig{Level: "error", Format: "text"},
		Engine: config.EngineConfig{
			Kind:     "server",
			Launcher: config.LauncherLocal,
			// Nothing by these names exists, so kernels fail to start.
			ServerBinary:  "mojo-repl-server-missing-for-tests",
			BuildDir:      t.TempDir(),
			ReplBinary:    "mojo-missing-for-tests",
			ReplArgs:      defaults.ReplArgs,
			RuntimeRoot:   t.TempDir(),
			ReadyTimeout:  time.Second,
			PromptTimeout: time.Second,
		},
	}
}

func newServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := server.New(context.Background(), cfg, "test", logger)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_PublicRoutes(t *testing.T) {
	ts := newServer(t, testConfig(t))

	resp := get(t, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))

	resp = get(t, ts.URL+"/api/kernelspec", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var spec map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&spec))
	assert.Equal(t, "test", spec["implementation_version"])
	assert.Equal(t, "server", spec["default_engine"])
}

func TestServer_SessionsRequireToken(t *testing.T) {
	ts := newServer(t, testConfig(t))

	resp := get(t, ts.URL+"/api/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, ts.URL+"/api/sessions", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tokens, err := auth.NewTokenService(testSecret, time.Hour)
	require.NoError(t, err)
	token, err := tokens.Generate("notebook-1")
	require.NoError(t, err)

	resp = get(t, ts.URL+"/api/sessions", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_KernelStartFailureIs503(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{Enabled: false, AnonymousClient: "local"}
	ts := newServer(t, cfg)

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(`{"engine":"server"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unavailable", body["error"])
	assert.Contains(t, body["message"], "mojo-repl-server-missing-for-tests")
}

func TestServer_UnknownSessionIs404(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{Enabled: false, AnonymousClient: "local"}
	ts := newServer(t, cfg)

	resp := get(t, ts.URL+"/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts.URL+"/api/sessions/nope/history", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNew_RejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, err := server.New(context.Background(), cfg, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestEngines_New(t *testing.T) {
	engines, err := server.NewEngines(context.Background(), testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer engines.Close()

	for _, kind := range []string{"server", "pty"} {
		e, err := engines.New(kind)
		require.NoError(t, err, kind)
		assert.False(t, e.Alive(), kind)
	}
	_, err = engines.New("notebook")
	assert.Error(t, err)
}
