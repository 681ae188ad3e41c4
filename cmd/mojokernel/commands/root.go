// Package commands implements the mojokernel command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sakif/mojo-kernel/internal/config"
)

var (
	// Global flags
	configPath string
	logLevel   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mojokernel",
		Short: "Mojo REPL kernel broker",
		Long: `mojokernel keeps long-lived Mojo REPL processes and runs notebook cells in
them over HTTP and websockets.

Each session owns one REPL, either the JSON-lines REPL server ("server"
engine) or the interactive driver on a pseudo-terminal ("pty" engine),
launched on this host or inside a sandbox container.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newConsoleCommand())
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

// loadConfig reads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return cfg.Logging.NewLogger(w)
}
