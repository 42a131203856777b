package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"model_optimizer/internal/auth"
)

var (
	tokenSubject string
	tokenRoles   []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage operator tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed operator token for the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		roles := make([]auth.Role, 0, len(tokenRoles))
		for _, name := range tokenRoles {
			r, err := auth.ParseRole(name)
			if err != nil {
				return err
			}
			roles = append(roles, r)
		}

		token, expiresAt, err := auth.IssueOperatorToken(tokenSubject, roles, cfg.TokenConfig())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator name recorded in the token")
	tokenIssueCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{string(auth.RoleViewer)}, "role to grant (operator, viewer); repeatable")
	_ = tokenIssueCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
