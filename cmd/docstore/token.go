package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/internal/tokens"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or revoke access tokens",
	}
	cmd.AddCommand(newTokenIssueCommand(root), newTokenRevokeCommand(root))
	return cmd
}

type issueOptions struct {
	User  string
	Grant string
	All   bool
	TTL   time.Duration
}

func newTokenIssueCommand(root *rootOptions) *cobra.Command {
	opts := &issueOptions{}
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed access token",
		Long: `Print an HS256 access token signed with JWT_SECRET.

Permissions are embedded from --grant (a docPermissions JSON document) or
--all. Without either, the server's permissions file decides.

Example:
  docstore token issue --user alice --grant '{"tree":{"select":true}}'
  docstore token issue --user admin --all --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl := opts.TTL
			if ttl <= 0 {
				ttl = root.cfg.Auth.TokenTTL
			}
			raw, err := issueToken(root.cfg.Auth.JWTSecret, opts, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.User, "user", "", "subject (user id) of the token")
	cmd.Flags().StringVar(&opts.Grant, "grant", "", "docPermissions JSON document")
	cmd.Flags().BoolVar(&opts.All, "all", false, "grant every permission")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default JWT_ACCESS_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("user")
	cmd.MarkFlagsMutuallyExclusive("grant", "all")
	return cmd
}

func issueToken(secret string, opts *issueOptions, ttl time.Duration) (string, error) {
	var grant security.Grant
	switch {
	case opts.All:
		grant = security.AllAllowed{}
	case opts.Grant != "":
		raw, err := document.DecodeJSONValue([]byte(opts.Grant))
		if err != nil {
			return "", fmt.Errorf("--grant: %w", err)
		}
		if grant, err = security.ParseGrant(raw); err != nil {
			return "", fmt.Errorf("--grant: %w", err)
		}
	}
	return tokens.Issue(secret, opts.User, grant, ttl)
}

func newTokenRevokeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Reject a token until it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if !cfg.Redis.Enabled() {
				return fmt.Errorf("revocation needs REDIS_HOST")
			}
			ttl, ok := tokens.ExpiresIn(args[0], time.Now())
			if !ok {
				return fmt.Errorf("token has no readable expiry")
			}
			if ttl <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "token already expired")
				return nil
			}
			client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer client.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := tokens.NewRedisRevocations(client, "").Revoke(ctx, args[0], ttl); err != nil {
				return fmt.Errorf("revoke: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked for %s\n", ttl.Round(time.Second))
			return nil
		},
	}
}
