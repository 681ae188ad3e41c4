//go:build windows

package process

import (
	"context"
	"log/slog"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// Terminal is unavailable on Windows; Launch always fails.
type Terminal struct {
	logger *slog.Logger
}

func NewTerminal(logger *slog.Logger) *Terminal {
	return &Terminal{logger: logger}
}

func (t *Terminal) Launch(_ context.Context, cmd executor.Command) (executor.Process, error) {
	return nil, executor.Fault(executor.ErrLaunch, "terminal sessions are not supported on windows (%s)", cmd.Path)
}
