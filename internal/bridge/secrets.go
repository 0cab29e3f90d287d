package bridge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/archive"
	"github.com/securebridge/dicom-bridge/pkg/secrets"
)

// secretRef names one credential the pipeline needs at runtime
type secretRef struct {
	purpose string
	path    string
	key     string
}

func (b *Bridge) buildSecrets(ctx context.Context, backend secrets.Backend) error {
	sc := b.cfg.Secrets
	if backend == nil {
		var err error
		backend, err = secrets.NewBackend(ctx, sc, b.logger)
		if err != nil {
			return err
		}
	}
	b.secrets = secrets.NewClient(backend, secrets.ClientOptions{
		CacheTTL: b.cfg.Duration(sc.CacheTTL),
		Timeout:  b.cfg.Duration(sc.Timeout),
		AuditLog: b.auditLog,
		Logger:   b.logger,
	})
	return nil
}

// secretKey reads path/key on every call, falling back to the environment
// when the store cannot serve it. Values are cached by the client.
func (b *Bridge) secretKey(path, key string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		res, err := b.secrets.ResolveWithFallback(ctx, path, key)
		if err != nil {
			return "", err
		}
		return res.Value, nil
	}
}

// archiveCredentials reads basic-auth credentials for the archive. An
// archive without a credentials secret is contacted anonymously.
func (b *Bridge) archiveCredentials() archive.CredentialsFunc {
	path := b.cfg.Archive.CredentialsPath
	return func(ctx context.Context) (string, string, error) {
		user, err := b.secrets.ResolveWithFallback(ctx, path, "username")
		if err != nil {
			if secrets.IsNotFound(err) {
				return "", "", nil
			}
			return "", "", err
		}
		pass, err := b.secrets.ResolveWithFallback(ctx, path, "password")
		if err != nil {
			return "", "", err
		}
		return user.Value, pass.Value, nil
	}
}

func (b *Bridge) requiredSecrets() []secretRef {
	return []secretRef{
		{purpose: "webhook", path: b.cfg.Webhook.SecretPath, key: b.cfg.Webhook.SecretKey},
		{purpose: "anonymization", path: b.cfg.Anonymization.KeyPath, key: b.cfg.Anonymization.KeyName},
		{purpose: "forward", path: b.cfg.Forward.APIKeyPath, key: b.cfg.Forward.APIKeyName},
		{purpose: "admin", path: b.cfg.Admin.JWTSecretPath, key: b.cfg.Admin.JWTSecretKey},
	}
}

// checkSecrets resolves every required credential once. Startup continues
// when some are only available from the environment or not at all, with a
// single warning audit event naming them.
func (b *Bridge) checkSecrets(ctx context.Context) []string {
	var fallback, unavailable []string
	for _, ref := range b.requiredSecrets() {
		res, err := b.secrets.ResolveWithFallback(ctx, ref.path, ref.key)
		switch {
		case err != nil:
			unavailable = append(unavailable, ref.purpose)
			b.logger.WithError(err).WithField("purpose", ref.purpose).Error("Required secret unavailable")
		case res.Degraded:
			fallback = append(fallback, ref.purpose)
		}
	}

	degraded := append(append([]string{}, fallback...), unavailable...)
	if len(degraded) == 0 {
		return nil
	}

	b.logger.WithFields(logrus.Fields{
		"fallback":    fallback,
		"unavailable": unavailable,
	}).Warn("Starting in degraded mode")
	b.auditLog.Log(ctx, "bridge.startup_degraded", map[string]interface{}{
		"fallback":    fallback,
		"unavailable": unavailable,
		"backend":     b.secrets.Backend(),
		"message":     fmt.Sprintf("%d required secrets not served by the credential store", len(degraded)),
	})
	return degraded
}
