package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linksniff/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the HTTP API",
		Long:  "Signs a token with auth.jwt_secret. Send it as \"Authorization: Bearer <token>\".",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			secret := appInstance.Config().Auth.JWTSecret
			if secret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			tokens, err := auth.NewTokenManager(secret)
			if err != nil {
				return err
			}
			token, err := tokens.Generate(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
