package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carelink.org/internal/auth"
)

var (
	tokenUser  string
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Bearer token helpers",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a bearer token with the configured secret",
	Long: `Sign an HS256 bearer token for local testing. Role assignments are
still resolved from the database on every request; roles in the token
are informational.

Examples:
  authzctl token issue --user u_123 --role case_manager`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tokens, err := auth.NewTokens(cfg.Auth.TokenSecret, auth.WithIssuer(cfg.Auth.Issuer))
		if err != nil {
			return err
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		tok, err := tokens.GenerateToken(tokenUser, tokenRoles, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenUser, "user", "", "user id (token subject)")
	tokenIssueCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role claim, repeatable")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = tokenIssueCmd.MarkFlagRequired("user")
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
