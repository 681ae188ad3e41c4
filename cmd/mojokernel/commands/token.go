package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/mojo-kernel/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Long: `Print a bearer token for the kernel API signed with auth.jwtSecret. The
subject names the client; sessions it creates belong to it.`,
		Example: `  mojokernel token --subject notebook-1 --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenDuration
			}

			tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := tokens.GenerateWithDuration(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "client ID the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.tokenDuration)")

	return cmd
}
