package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/mojo-kernel/internal/config"
	"github.com/sakif/mojo-kernel/internal/executor"
	"github.com/sakif/mojo-kernel/internal/executor/docker"
	"github.com/sakif/mojo-kernel/internal/executor/process"
	"github.com/sakif/mojo-kernel/internal/executor/pty"
	serverengine "github.com/sakif/mojo-kernel/internal/executor/server"
	"github.com/sakif/mojo-kernel/internal/model"
)

// Engines builds unstarted engines for new sessions. The server engine
// talks over pipes and the pty engine over a terminal; both launch on the
// host or in containers depending on engine.launcher.
type Engines struct {
	exec      executor.Config
	pipes     executor.Launcher
	terminals executor.Launcher
	closers   []func() error
	logger    *slog.Logger
}

// NewEngines prepares the launchers named by cfg. With the docker launcher
// this connects to the daemon and pulls the sandbox image.
func NewEngines(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engines, error) {
	e := &Engines{
		exec:   cfg.Engine.Executor(),
		logger: logger,
	}

	switch cfg.Engine.Launcher {
	case config.LauncherDocker:
		pipes, err := docker.New(ctx, cfg.Docker.Sandbox(false), logger.With(slog.String("launcher", "docker")))
		if err != nil {
			return nil, fmt.Errorf("creating docker launcher: %w", err)
		}
		// The image is already there.
		sandbox := cfg.Docker.Sandbox(true)
		sandbox.Pull = false
		terminals, err := docker.New(ctx, sandbox, logger.With(slog.String("launcher", "docker-tty")))
		if err != nil {
			pipes.Close()
			return nil, fmt.Errorf("creating docker launcher: %w", err)
		}
		e.pipes, e.terminals = pipes, terminals
		e.closers = append(e.closers, pipes.Close, terminals.Close)

		// Binaries live inside the image: resolve nothing on the host.
		e.exec.BuildDir = ""
		e.exec.InheritEnv = false
		e.exec.LookPath = func(file string) (string, error) { return file, nil }
	default:
		e.pipes = process.NewLocal(logger.With(slog.String("launcher", "local")))
		e.terminals = process.NewTerminal(logger.With(slog.String("launcher", "pty")))
	}

	return e, nil
}

// New returns an unstarted engine of the given kind.
func (e *Engines) New(kind string) (executor.Engine, error) {
	switch kind {
	case model.EngineServer:
		return serverengine.New(e.exec, e.pipes, e.logger), nil
	case model.EnginePTY:
		return pty.New(e.exec, e.terminals, e.logger), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", kind)
	}
}

// Close releases the launchers.
func (e *Engines) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
