package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSecretsCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Check the credential store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Verify the configured credential store is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Secrets().TestConnection(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential store %s reachable\n", b.Secrets().Backend())
			return nil
		},
	})
	return cmd
}

func newAdminTokenCommand(g *Globals) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a short-lived token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			ctx := cmd.Context()
			b, _, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			admin, err := b.AdminAuth()
			if err != nil {
				return err
			}
			token, err := admin.Issue(ctx, subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Operator the token is issued to")
	return cmd
}
