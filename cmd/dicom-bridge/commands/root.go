// Package commands implements the dicom-bridge command line.
package commands

import (
	"context"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/securebridge/dicom-bridge/internal/bridge"
	"github.com/securebridge/dicom-bridge/pkg/config"
	"github.com/securebridge/dicom-bridge/pkg/logging"
)

// Globals holds the persistent flags shared by every command
type Globals struct {
	ConfigFile string
	SecretsDir string
	LogLevel   string
	Version    string
}

// NewRootCommand builds the command tree
func NewRootCommand(version string) *cobra.Command {
	g := &Globals{Version: version}

	root := &cobra.Command{
		Use:   "dicom-bridge",
		Short: "Secure bridge between an imaging archive and a downstream processing API",
		Long: `dicom-bridge receives signed store events from the imaging archive,
anonymizes each stored instance and forwards it to the processing API.

It also manages the TLS certificates shared with the archive and keeps a
tamper-evident audit trail of everything it does.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.ConfigFile, "config", "", "Config file path (default $CONFIG_FILE or config.yaml)")
	root.PersistentFlags().StringVar(&g.SecretsDir, "secrets-dir", "", "Directory of mounted secret files (default $SECRETS_DIR)")
	root.PersistentFlags().StringVar(&g.LogLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newServeCommand(g),
		newCertsCommand(g),
		newAuditCommand(g),
		newSecretsCommand(g),
		newAdminTokenCommand(g),
	)
	return root
}

func (g *Globals) loadConfig() (*config.Config, string, error) {
	env := config.LoadFromEnv()
	path := g.ConfigFile
	if path == "" {
		path = env.ConfigFile
	}
	secretsDir := g.SecretsDir
	if secretsDir == "" {
		secretsDir = env.SecretsDir
	}

	cfg, err := config.LoadWithSecrets(path, secretsDir)
	if err != nil {
		return nil, "", err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	return cfg, path, nil
}

// open loads configuration and builds a bridge. The caller must Close it.
func (g *Globals) open(ctx context.Context, cmd *cobra.Command) (*bridge.Bridge, *logrus.Logger, error) {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), logging.LogLevel(cfg.LogLevel))
	logging.LogConfigurationLoaded(logger, path, len(cfg.Certificates.Managed))

	b, err := bridge.New(ctx, bridge.Options{
		Config:  cfg,
		Logger:  logger,
		Version: g.Version,
	})
	if err != nil {
		return nil, nil, err
	}
	return b, logger, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
