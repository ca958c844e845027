package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"daily-atlas-service/internal/config"
	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/identity"
)

// NewTokenCmd mints an account token. The account system is external; operators and its
// bridge use this to hand out tokens the service accepts.
func NewTokenCmd(configPath *string) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an account identity token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret not configured")
			}
			issuer, err := identity.NewIssuer(cfg.Auth.JWTSecret, config.TTLDuration(cfg.Auth.TokenTTL, 365*24*time.Hour))
			if err != nil {
				return err
			}
			token, err := issuer.Issue(domain.Identity{ID: account})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
