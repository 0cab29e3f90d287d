package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/certs"
)

func newCertsCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Inspect and renew managed certificates",
	}
	cmd.AddCommand(
		newCertsCheckCommand(g),
		newCertsRenewCommand(g),
		newCertsPruneCommand(g),
	)
	return cmd
}

func newCertsCheckCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Inspect every managed certificate and print its status",
		Long: `Inspect every managed certificate and print its status as JSON.

The command fails when a critical certificate is expired or invalid, so it
can be used as a cron or readiness probe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			statuses := b.Certificates().Check(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), statuses); err != nil {
				return err
			}

			var unusable []string
			for _, c := range statuses {
				if c.Critical && (c.Status == models.CertStatusExpired || c.Status == models.CertStatusInvalid) {
					unusable = append(unusable, c.Name)
				}
			}
			if len(unusable) > 0 {
				return fmt.Errorf("critical certificates unusable: %v", unusable)
			}
			return nil
		},
	}
}

func newCertsRenewCommand(g *Globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "renew [name]",
		Short: "Renew one certificate, or every certificate that is due",
		Long: `Renew one certificate, or every certificate that is due.

Each renewal backs up the current files, issues new ones, reloads the
dependent service and waits for it to become healthy. Any failure restores
the backup.

Examples:
  # Renew everything within the renewal threshold
  dicom-bridge certs renew

  # Renew the archive certificate now, whatever its expiry
  dicom-bridge certs renew archive-https --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, _, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			var results []*certs.RenewResult
			if len(args) == 1 {
				res, err := b.Certificates().Renew(ctx, args[0], force)
				if err != nil {
					return err
				}
				results = append(results, res)
			} else {
				results, err = b.Certificates().RenewAll(ctx, force)
				if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
					return perr
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Renew even when not yet due")
	return cmd
}

func newCertsPruneCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-backups",
		Short: "Delete certificate backups older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			removed, err := b.Certificates().PruneBackups(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backups\n", removed)
			return nil
		},
	}
}
