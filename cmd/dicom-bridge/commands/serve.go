package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/securebridge/dicom-bridge/pkg/logging"
)

func newServeCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, workers and background maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, logger, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}

			if err := b.Start(ctx); err != nil {
				logging.LogError(logger, err, "startup", map[string]interface{}{"version": g.Version})
				return errors.Join(err, b.Close())
			}

			// Serve already ran the shutdown handlers; Close flushes what is left
			serveErr := b.Serve()
			if closeErr := b.Close(); serveErr == nil {
				return closeErr
			}
			return serveErr
		},
	}
}
