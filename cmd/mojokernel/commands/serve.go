package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/mojo-kernel/internal/server"
)

func newServeCommand(version string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the kernel API",
		Long: `Start the HTTP API. Sessions, executions and the websocket channel are
served under /api; SIGINT or SIGTERM shuts down gracefully and kills every
kernel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			logger := newLogger(cfg, cmd.OutOrStdout())

			srv, err := server.New(cmd.Context(), cfg, version, logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Start()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")

	return cmd
}
