package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdure-mcp/gateway/internal/auth"
	"github.com/verdure-mcp/gateway/internal/config"
	"github.com/verdure-mcp/gateway/internal/store"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens directly in the configured store",
	}
	cmd.AddCommand(newTokenCreateCmd(), newTokenListCmd(), newTokenRevokeCmd())
	return cmd
}

// withTokens opens the configured store for the duration of fn.
func withTokens(cmd *cobra.Command, fn func(svc *auth.TokenService) error) error {
	cfg, err := config.Load(resolveConfigPath(cmd, nil))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	db, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	logger := newLogger(config.LoggingConfig{Level: "error", Format: "text"}, cmd.ErrOrStderr())
	return fn(auth.NewTokenService(db, cfg.Auth.Tokens, logger))
}

func newTokenCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a token; without --user it is an admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			user, _ := cmd.Flags().GetString("user")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			return withTokens(cmd, func(svc *auth.TokenService) error {
				var (
					raw string
					tok *store.APIToken
					err error
				)
				if user != "" {
					raw, tok, err = svc.CreateUserToken(cmd.Context(), user, name)
				} else {
					var expires *time.Time
					if expiresIn > 0 {
						t := time.Now().UTC().Add(expiresIn)
						expires = &t
					}
					raw, tok, err = svc.CreateToken(cmd.Context(), name, expires)
				}
				if err != nil {
					return err
				}
				printCreated(cmd.OutOrStdout(), raw, tok)
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "token name")
	cmd.Flags().String("user", "", "owning user id")
	cmd.Flags().Duration("expires-in", 0, "lifetime of an admin token (0 never expires)")
	return cmd
}

func printCreated(w io.Writer, raw string, tok *store.APIToken) {
	fmt.Fprintf(w, "Token ID:  %s\n", tok.ID)
	fmt.Fprintf(w, "Token:     %s\n", raw)
	if tok.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:   %s\n", tok.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, "\nStore this token securely. It will not be shown again.")
}

func newTokenListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			return withTokens(cmd, func(svc *auth.TokenService) error {
				list, err := svc.ListUserTokens(cmd.Context(), user)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tUSED TODAY\tEXPIRES")
				for _, t := range list {
					exp := "-"
					if t.ExpiresAt != nil {
						exp = t.ExpiresAt.Format(time.DateOnly)
					}
					fmt.Fprintf(tw, "%s\t%s\t%v\t%d/%d\t%s\n", t.ID, t.Name, t.IsActive, t.TodayImageCount, t.DailyImageLimit, exp)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().String("user", "", "owning user id")
	return cmd
}

func newTokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a user's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withTokens(cmd, func(svc *auth.TokenService) error {
				ok, err := svc.RevokeToken(cmd.Context(), args[0], user)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("token %s not found for user %q", args[0], user)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "revoked")
				return nil
			})
		},
	}
	cmd.Flags().String("user", "", "owning user id")
	return cmd
}
