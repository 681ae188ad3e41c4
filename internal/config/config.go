// Package config loads the broker configuration from defaults, an optional
// config.yaml and MOJOKERNEL_* environment variables, in increasing order
// of precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sakif/mojo-kernel/internal/executor"
	"github.com/sakif/mojo-kernel/internal/executor/docker"
)

// Engine launchers.
const (
	LauncherLocal  = "local"
	LauncherDocker = "docker"
)

// Config is the whole broker configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Docker   DockerConfig   `mapstructure:"docker"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// ReadTimeout bounds reading a request. WriteTimeout bounds a REST
	// response and must cover the longest execution; zero disables it.
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	// Path of the SQLite file holding sessions and history. ":memory:"
	// keeps nothing across restarts.
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	// Enabled requires a bearer token on /api. When disabled every request
	// belongs to AnonymousClient.
	Enabled         bool          `mapstructure:"enabled"`
	JWTSecret       string        `mapstructure:"jwtSecret"`
	TokenDuration   time.Duration `mapstructure:"tokenDuration"`
	AnonymousClient string        `mapstructure:"anonymousClient"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	// Kind is the default engine for new sessions: "server" or "pty".
	Kind string `mapstructure:"kind"`
	// Launcher runs children on the host ("local") or in containers ("docker").
	Launcher string `mapstructure:"launcher"`

	ServerBinary string   `mapstructure:"serverBinary"`
	BuildDir     string   `mapstructure:"buildDir"`
	ReplBinary   string   `mapstructure:"replBinary"`
	ReplArgs     []string `mapstructure:"replArgs"`
	RuntimeRoot  string   `mapstructure:"runtimeRoot"`
	Env          []string `mapstructure:"env"`
	InheritEnv   bool     `mapstructure:"inheritEnv"`

	ReadyTimeout  time.Duration `mapstructure:"readyTimeout"`
	ExecTimeout   time.Duration `mapstructure:"execTimeout"`
	PromptTimeout time.Duration `mapstructure:"promptTimeout"`
	SettleDelay   time.Duration `mapstructure:"settleDelay"`
	LineDelay     time.Duration `mapstructure:"lineDelay"`

	MaxSessionsPerClient int `mapstructure:"maxSessionsPerClient"`
}

type DockerConfig struct {
	Image          string  `mapstructure:"image"`
	Pull           bool    `mapstructure:"pull"`
	MemoryLimit    int64   `mapstructure:"memoryLimit"` // in bytes
	CPULimit       float64 `mapstructure:"cpuLimit"`
	User           string  `mapstructure:"user"`
	Network        string  `mapstructure:"network"`
	ReadonlyRootfs bool    `mapstructure:"readonlyRootfs"`
}

// Executor converts the engine section into an executor.Config.
func (e EngineConfig) Executor() executor.Config {
	return executor.Config{
		ServerBinary:  e.ServerBinary,
		BuildDir:      e.BuildDir,
		ReplBinary:    e.ReplBinary,
		ReplArgs:      append([]string(nil), e.ReplArgs...),
		RuntimeRoot:   e.RuntimeRoot,
		Env:           append([]string(nil), e.Env...),
		InheritEnv:    e.InheritEnv,
		ReadyTimeout:  e.ReadyTimeout,
		ExecTimeout:   e.ExecTimeout,
		PromptTimeout: e.PromptTimeout,
		SettleDelay:   e.SettleDelay,
		LineDelay:     e.LineDelay,
	}
}

// Sandbox converts the docker section into a launcher config. terminal is
// set for launchers serving the pty engine.
func (d DockerConfig) Sandbox(terminal bool) docker.Config {
	return docker.Config{
		Image:          d.Image,
		Pull:           d.Pull,
		MemoryLimit:    d.MemoryLimit,
		CPULimit:       d.CPULimit,
		User:           d.User,
		Network:        d.Network,
		ReadonlyRootfs: d.ReadonlyRootfs,
		Terminal:       terminal,
	}
}

// NewLogger builds the process logger described by the logging section.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(l.Level)}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func detectDefaultLogFormat() string {
	// Running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8888)
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)

	v.SetDefault("database.path", "data/mojokernel.db")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 24*time.Hour)
	v.SetDefault("auth.anonymousClient", "local")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())

	defaults := executor.DefaultConfig()
	v.SetDefault("engine.kind", "server")
	v.SetDefault("engine.launcher", LauncherLocal)
	v.SetDefault("engine.serverBinary", defaults.ServerBinary)
	v.SetDefault("engine.buildDir", defaults.BuildDir)
	v.SetDefault("engine.replBinary", defaults.ReplBinary)
	v.SetDefault("engine.replArgs", defaults.ReplArgs)
	v.SetDefault("engine.runtimeRoot", "")
	v.SetDefault("engine.env", []string{})
	v.SetDefault("engine.inheritEnv", defaults.InheritEnv)
	v.SetDefault("engine.readyTimeout", defaults.ReadyTimeout)
	v.SetDefault("engine.execTimeout", defaults.ExecTimeout)
	v.SetDefault("engine.promptTimeout", defaults.PromptTimeout)
	v.SetDefault("engine.settleDelay", defaults.SettleDelay)
	v.SetDefault("engine.lineDelay", defaults.LineDelay)
	v.SetDefault("engine.maxSessionsPerClient", 4)

	sandbox := docker.DefaultConfig()
	v.SetDefault("docker.image", sandbox.Image)
	v.SetDefault("docker.pull", sandbox.Pull)
	v.SetDefault("docker.memoryLimit", sandbox.MemoryLimit)
	v.SetDefault("docker.cpuLimit", sandbox.CPULimit)
	v.SetDefault("docker.user", sandbox.User)
	v.SetDefault("docker.network", sandbox.Network)
	v.SetDefault("docker.readonlyRootfs", sandbox.ReadonlyRootfs)
}

// LegacyEngineEnv selects the engine the way the first kernel releases did.
const LegacyEngineEnv = "MOJO_KERNEL_ENGINE"

// legacyEngineKind maps a LegacyEngineEnv value to an engine kind: "server"
// picks the server engine and anything else the terminal engine.
func legacyEngineKind(value string) string {
	if strings.EqualFold(strings.TrimSpace(value), "server") {
		return "server"
	}
	return "pty"
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, looking for config.yaml in configPath
// before the default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// MOJOKERNEL_SERVER_PORT overrides server.port, and so on.
	v.SetEnvPrefix("MOJOKERNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("engine.kind", "MOJOKERNEL_ENGINE_KIND")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mojokernel/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// The engine selector older deployments already set. It loses to
	// MOJOKERNEL_ENGINE_KIND and beats the file.
	if _, ok := os.LookupEnv("MOJOKERNEL_ENGINE_KIND"); !ok {
		if legacy := os.Getenv(LegacyEngineEnv); legacy != "" {
			v.Set("engine.kind", legacyEngineKind(legacy))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate reports every problem at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 || cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, "server timeouts must not be negative")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Auth.Enabled {
		if len(cfg.Auth.JWTSecret) < 16 {
			errs = append(errs, "auth.jwtSecret must be at least 16 characters when auth is enabled")
		}
		if cfg.Auth.TokenDuration <= 0 {
			errs = append(errs, "auth.tokenDuration must be positive")
		}
	} else if cfg.Auth.AnonymousClient == "" {
		errs = append(errs, "auth.anonymousClient is required when auth is disabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	cfg.Engine.Kind = strings.ToLower(cfg.Engine.Kind)
	if cfg.Engine.Kind != "server" && cfg.Engine.Kind != "pty" {
		errs = append(errs, "engine.kind must be one of: server, pty")
	}
	if cfg.Engine.Launcher != LauncherLocal && cfg.Engine.Launcher != LauncherDocker {
		errs = append(errs, "engine.launcher must be one of: local, docker")
	}
	if cfg.Engine.ServerBinary == "" || cfg.Engine.ReplBinary == "" {
		errs = append(errs, "engine.serverBinary and engine.replBinary are required")
	}
	if cfg.Engine.ReadyTimeout < 0 || cfg.Engine.ExecTimeout < 0 || cfg.Engine.PromptTimeout < 0 {
		errs = append(errs, "engine timeouts must not be negative")
	}
	if cfg.Engine.MaxSessionsPerClient < 0 {
		errs = append(errs, "engine.maxSessionsPerClient must not be negative")
	}

	if cfg.Engine.Launcher == LauncherDocker {
		if cfg.Docker.Image == "" {
			errs = append(errs, "docker.image is required when engine.launcher is docker")
		}
		if cfg.Engine.RuntimeRoot == "" {
			errs = append(errs, "engine.runtimeRoot is required when engine.launcher is docker")
		}
		if cfg.Docker.MemoryLimit < 0 || cfg.Docker.CPULimit < 0 {
			errs = append(errs, "docker limits must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
