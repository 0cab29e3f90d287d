package commands

import (
	"github.com/spf13/cobra"
)

func newAuditCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Export and expire the audit trail",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "export",
			Short: "Ship rotated audit files to object storage and the SIEM once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				b, _, err := g.open(ctx, cmd)
				if err != nil {
					return err
				}
				defer b.Close()

				exporter, err := b.Exporter(ctx)
				if err != nil {
					return err
				}
				result, err := exporter.Export(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			},
		},
		&cobra.Command{
			Use:   "retention",
			Short: "Apply the retention policy to exported audit objects once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				b, _, err := g.open(ctx, cmd)
				if err != nil {
					return err
				}
				defer b.Close()

				enforcer, err := b.Retention(ctx)
				if err != nil {
					return err
				}
				result, err := enforcer.Enforce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			},
		},
	)
	return cmd
}
