package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the file named by CONFIG_FILE (after reading an optional
// .env file) and resolves ${FILE:name} references from SECRETS_DIR
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	env := LoadFromEnv()
	return LoadWithSecrets(env.ConfigFile, env.SecretsDir)
}

// LoadWithSecrets loads filename and injects mounted secret files
func LoadWithSecrets(filename, secretsDir string) (*Config, error) {
	cfg, err := Load(filename)
	if err != nil {
		return nil, err
	}

	secrets, err := LoadSecretsFromFiles(secretsDir)
	if err != nil {
		return nil, err
	}
	InjectSecretsIntoConfig(cfg, secrets)

	return cfg, nil
}

// Load reads and parses the YAML configuration file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands, decodes, defaults and validates raw YAML
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "30s"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}

	// Webhook defaults
	setDefault(&c.Webhook.Path, "/webhook/store-event")
	setDefault(&c.Webhook.SecretPath, "bridge/webhook")
	setDefault(&c.Webhook.SecretKey, "hmac_key")
	setDefault(&c.Webhook.FreshnessWindow, "300s")
	setDefault(&c.Webhook.MaxFutureSkew, "30s")
	setDefault(&c.Webhook.NonceTTL, "600s")
	setDefault(&c.Webhook.RateLimit.Window, "60s")
	if c.Webhook.RateLimit.MaxRequests == 0 {
		c.Webhook.RateLimit.MaxRequests = 100
	}

	// Redis defaults
	setDefault(&c.Redis.KeyPrefix, "dicom-bridge")
	setDefault(&c.Redis.DialTimeout, "5s")

	// Queue defaults
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueBackendRedis
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 5
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	setDefault(&c.Queue.InitialBackoff, "2s")
	setDefault(&c.Queue.MaxBackoff, "2m")
	if c.Queue.BackoffMultiplier == 0 {
		c.Queue.BackoffMultiplier = 2.0
	}
	if c.Queue.CompletedHistory == 0 {
		c.Queue.CompletedHistory = 1000
	}
	if c.Queue.FailedHistory == 0 {
		c.Queue.FailedHistory = 5000
	}
	setDefault(&c.Queue.RetentionWindow, "24h")
	setDefault(&c.Queue.PollInterval, "1s")
	setDefault(&c.Queue.JobTimeout, "5m")
	setDefault(&c.Queue.StalledAfter, "10m")

	// Archive defaults
	setDefault(&c.Archive.CredentialsPath, "bridge/archive")
	setDefault(&c.Archive.Timeout, "30s")
	if c.Archive.MaxInstanceBytes == 0 {
		c.Archive.MaxInstanceBytes = 512 * 1024 * 1024 // 512MB
	}

	// Forward defaults
	setDefault(&c.Forward.APIKeyPath, "bridge/forward")
	setDefault(&c.Forward.APIKeyName, "api_key")
	setDefault(&c.Forward.Timeout, "60s")
	if c.Forward.MaxUploadBytes == 0 {
		c.Forward.MaxUploadBytes = 512 * 1024 * 1024 // 512MB
	}
	if c.Forward.Breaker.MaxRequests == 0 {
		c.Forward.Breaker.MaxRequests = 1
	}
	setDefault(&c.Forward.Breaker.Interval, "60s")
	setDefault(&c.Forward.Breaker.Timeout, "30s")
	if c.Forward.Breaker.ConsecutiveFailures == 0 {
		c.Forward.Breaker.ConsecutiveFailures = 5
	}

	// Anonymization defaults
	setDefault(&c.Anonymization.KeyPath, "bridge/anonymization")
	setDefault(&c.Anonymization.KeyName, "pseudonym_key")
	setDefault(&c.Anonymization.IDPrefix, "ANON")

	// Secrets defaults
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = SecretsProviderVault
	}
	setDefault(&c.Secrets.CacheTTL, "5m")
	setDefault(&c.Secrets.Timeout, "10s")
	setDefault(&c.Secrets.Vault.Mount, "secret")
	setDefault(&c.Secrets.Vault.AuthMethod, "approle")

	// Certificate defaults
	setDefault(&c.Certificates.Directory, "/etc/dicom-bridge/certs")
	setDefault(&c.Certificates.BackupDirectory, filepath.Join(c.Certificates.Directory, "backups"))
	setDefault(&c.Certificates.BackupRetention, "720h")
	setDefault(&c.Certificates.CheckInterval, "24h")
	setDefault(&c.Certificates.InitialDelay, "30s")
	if c.Certificates.RenewalThresholdDays == 0 {
		c.Certificates.RenewalThresholdDays = 30
	}
	if c.Certificates.CA.ValidityDays == 0 {
		c.Certificates.CA.ValidityDays = 365
	}
	setDefault(&c.Certificates.ACME.DirectoryURL, "https://acme-v02.api.letsencrypt.org/directory")
	for i := range c.Certificates.Managed {
		m := &c.Certificates.Managed[i]
		m.CertFile = c.certPath(m.CertFile)
		m.KeyFile = c.certPath(m.KeyFile)
		if m.CAFile != "" {
			m.CAFile = c.certPath(m.CAFile)
		}
		if m.Renewal == "" {
			m.Renewal = defaultRenewal(m.Type)
		}
		setDefault(&m.Reload.Type, "none")
		setDefault(&m.Reload.Method, "POST")
		setDefault(&m.Reload.Signal, "HUP")
		if m.Health.MaxAttempts == 0 {
			m.Health.MaxAttempts = 10
		}
		setDefault(&m.Health.Interval, "3s")
		setDefault(&m.Health.Timeout, "60s")
	}

	// Audit defaults
	setDefault(&c.Audit.Directory, "/var/log/dicom-bridge/audit")
	setDefault(&c.Audit.FileName, "audit.log")
	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = 100
	}
	setDefault(&c.Audit.Export.Interval, "1h")
	setDefault(&c.Audit.Export.Prefix, "audit")
	if c.Audit.Export.ObjectLockMode != "" && c.Audit.Export.ObjectLockDays == 0 {
		c.Audit.Export.ObjectLockDays = 2555
	}
	if c.Audit.Retention.RetentionDays == 0 {
		c.Audit.Retention.RetentionDays = 2555 // seven years
	}
	if c.Audit.Retention.ArchiveAfterDays == 0 {
		c.Audit.Retention.ArchiveAfterDays = 90
	}
	setDefault(&c.Audit.Retention.ArchiveClass, "GLACIER")
	setDefault(&c.Audit.Retention.Interval, "24h")
	setDefault(&c.Audit.SIEM.Format, "json")
	setDefault(&c.Audit.SIEM.MinSeverity, "warning")
	setDefault(&c.Audit.SIEM.Timeout, "10s")
	if c.Audit.SIEM.RatePerSecond == 0 {
		c.Audit.SIEM.RatePerSecond = 50
	}

	// Admin defaults
	setDefault(&c.Admin.JWTSecretPath, "bridge/admin")
	setDefault(&c.Admin.JWTSecretKey, "jwt_signing_key")
	setDefault(&c.Admin.Issuer, "dicom-bridge")
	setDefault(&c.Admin.TokenTTL, "1h")

	if c.Notifications.QueueSize == 0 {
		c.Notifications.QueueSize = 100
	}
}

// Validate checks the configuration for required fields and valid values
func (c *Config) Validate() error {
	if c.Archive.URL == "" {
		return fmt.Errorf("archive.url is required")
	}
	if c.Forward.URL == "" {
		return fmt.Errorf("forward.url is required")
	}

	if c.Queue.Backend != QueueBackendRedis && c.Queue.Backend != QueueBackendMemory {
		return fmt.Errorf("queue.backend must be 'redis' or 'memory', got: %s", c.Queue.Backend)
	}
	if c.Queue.Backend == QueueBackendRedis && c.Redis.URL == "" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.url or redis.addr is required when queue.backend is 'redis'")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Webhook.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("webhook.rate_limit.max_requests must be at least 1")
	}

	if err := c.validateSecrets(); err != nil {
		return err
	}
	if err := c.validateCertificates(); err != nil {
		return err
	}
	if err := c.validateAudit(); err != nil {
		return err
	}

	// Validate duration strings
	durations := map[string]string{
		"server.read_timeout":           c.Server.ReadTimeout,
		"server.write_timeout":          c.Server.WriteTimeout,
		"server.shutdown_timeout":       c.Server.ShutdownTimeout,
		"webhook.freshness_window":      c.Webhook.FreshnessWindow,
		"webhook.max_future_skew":       c.Webhook.MaxFutureSkew,
		"webhook.nonce_ttl":             c.Webhook.NonceTTL,
		"webhook.rate_limit.window":     c.Webhook.RateLimit.Window,
		"redis.dial_timeout":            c.Redis.DialTimeout,
		"queue.initial_backoff":         c.Queue.InitialBackoff,
		"queue.max_backoff":             c.Queue.MaxBackoff,
		"queue.retention_window":        c.Queue.RetentionWindow,
		"queue.poll_interval":           c.Queue.PollInterval,
		"queue.job_timeout":             c.Queue.JobTimeout,
		"queue.stalled_after":           c.Queue.StalledAfter,
		"archive.timeout":               c.Archive.Timeout,
		"forward.timeout":               c.Forward.Timeout,
		"forward.breaker.interval":      c.Forward.Breaker.Interval,
		"forward.breaker.timeout":       c.Forward.Breaker.Timeout,
		"secrets.cache_ttl":             c.Secrets.CacheTTL,
		"secrets.timeout":               c.Secrets.Timeout,
		"certificates.backup_retention": c.Certificates.BackupRetention,
		"certificates.check_interval":   c.Certificates.CheckInterval,
		"certificates.initial_delay":    c.Certificates.InitialDelay,
		"audit.export.interval":         c.Audit.Export.Interval,
		"audit.retention.interval":      c.Audit.Retention.Interval,
		"audit.siem.timeout":            c.Audit.SIEM.Timeout,
		"admin.token_ttl":               c.Admin.TokenTTL,
	}
	for i, m := range c.Certificates.Managed {
		durations[fmt.Sprintf("certificates.managed[%d].health.interval", i)] = m.Health.Interval
		durations[fmt.Sprintf("certificates.managed[%d].health.timeout", i)] = m.Health.Timeout
	}

	for name, value := range durations {
		if _, err := c.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	window := c.Duration(c.Webhook.FreshnessWindow)
	if c.Duration(c.Webhook.NonceTTL) < window {
		return fmt.Errorf("webhook.nonce_ttl must be at least webhook.freshness_window (%s)", window)
	}

	// A job still inside its timeout must never look stalled
	jobTimeout := c.Duration(c.Queue.JobTimeout)
	if c.Duration(c.Queue.StalledAfter) <= jobTimeout {
		return fmt.Errorf("queue.stalled_after must be greater than queue.job_timeout (%s)", jobTimeout)
	}

	return nil
}

func (c *Config) validateSecrets() error {
	switch c.Secrets.Provider {
	case SecretsProviderVault:
		if c.Secrets.Vault.Address == "" {
			return fmt.Errorf("secrets.vault.address is required when secrets.provider is 'vault'")
		}
		switch c.Secrets.Vault.AuthMethod {
		case "approle":
			if c.Secrets.Vault.RoleID == "" || c.Secrets.Vault.SecretID == "" {
				return fmt.Errorf("secrets.vault.role_id and secrets.vault.secret_id are required for approle auth")
			}
		case "token":
			if c.Secrets.Vault.Token == "" {
				return fmt.Errorf("secrets.vault.token is required for token auth")
			}
		default:
			return fmt.Errorf("secrets.vault.auth_method must be 'approle' or 'token', got: %s", c.Secrets.Vault.AuthMethod)
		}
	case SecretsProviderAWS:
		if c.Secrets.AWS.Region == "" {
			return fmt.Errorf("secrets.aws.region is required when secrets.provider is '%s'", SecretsProviderAWS)
		}
	case SecretsProviderGCP:
		if c.Secrets.GCP.ProjectID == "" {
			return fmt.Errorf("secrets.gcp.project_id is required when secrets.provider is '%s'", SecretsProviderGCP)
		}
	case SecretsProviderAzure:
		if c.Secrets.Azure.VaultURL == "" {
			return fmt.Errorf("secrets.azure.vault_url is required when secrets.provider is '%s'", SecretsProviderAzure)
		}
	case SecretsProviderMemory:
	default:
		return fmt.Errorf("invalid secrets.provider '%s', must be one of: %s", c.Secrets.Provider,
			strings.Join([]string{string(SecretsProviderVault), string(SecretsProviderAWS),
				string(SecretsProviderGCP), string(SecretsProviderAzure), string(SecretsProviderMemory)}, ", "))
	}
	return nil
}

func (c *Config) validateCertificates() error {
	names := make(map[string]bool)
	for i, m := range c.Certificates.Managed {
		if m.Name == "" {
			return fmt.Errorf("certificates.managed[%d]: name is required", i)
		}
		if names[m.Name] {
			return fmt.Errorf("duplicate certificate name: %s", m.Name)
		}
		names[m.Name] = true

		if err := validateCertType(m.Type); err != nil {
			return fmt.Errorf("certificate[%s]: %w", m.Name, err)
		}
		if m.CertFile == "" || m.KeyFile == "" {
			return fmt.Errorf("certificate[%s]: cert_file and key_file are required", m.Name)
		}
		switch m.Renewal {
		case "internal-ca":
			if c.Certificates.CA.SecretPath == "" && (c.Certificates.CA.CertFile == "" || c.Certificates.CA.KeyFile == "") {
				return fmt.Errorf("certificate[%s]: internal-ca renewal requires certificates.ca", m.Name)
			}
		case "self-signed":
		case "acme":
			if c.Certificates.ACME.Email == "" || c.Certificates.ACME.Webroot == "" {
				return fmt.Errorf("certificate[%s]: acme renewal requires certificates.acme.email and webroot", m.Name)
			}
		default:
			return fmt.Errorf("certificate[%s]: invalid renewal '%s', must be 'internal-ca', 'self-signed' or 'acme'", m.Name, m.Renewal)
		}
		switch m.Reload.Type {
		case "http":
			if m.Reload.URL == "" {
				return fmt.Errorf("certificate[%s]: reload.url is required for http reload", m.Name)
			}
		case "signal":
			if m.Reload.PIDFile == "" {
				return fmt.Errorf("certificate[%s]: reload.pid_file is required for signal reload", m.Name)
			}
		case "archive", "tls", "none":
		default:
			return fmt.Errorf("certificate[%s]: invalid reload type '%s'", m.Name, m.Reload.Type)
		}
	}

	if c.Server.TLS.Enabled && !names[c.Server.TLS.Certificate] {
		return fmt.Errorf("server.tls.certificate must name a managed certificate")
	}
	return nil
}

func (c *Config) validateAudit() error {
	if c.Audit.Export.Enabled && c.Audit.Export.Bucket == "" {
		return fmt.Errorf("audit.export.bucket is required when export is enabled")
	}
	switch strings.ToUpper(c.Audit.Export.ObjectLockMode) {
	case "", "GOVERNANCE", "COMPLIANCE":
	default:
		return fmt.Errorf("audit.export.object_lock_mode must be GOVERNANCE or COMPLIANCE")
	}
	if c.Audit.Retention.ArchiveAfterDays >= c.Audit.Retention.RetentionDays {
		return fmt.Errorf("audit.retention.archive_after_days must be less than retention_days")
	}
	if c.Audit.SIEM.Enabled {
		if c.Audit.SIEM.Endpoint == "" {
			return fmt.Errorf("audit.siem.endpoint is required when siem is enabled")
		}
		switch c.Audit.SIEM.Format {
		case "json", "cef", "leef", "syslog":
		default:
			return fmt.Errorf("invalid audit.siem.format '%s', must be json, cef, leef or syslog", c.Audit.SIEM.Format)
		}
	}
	return nil
}

func validateCertType(certType string) error {
	validTypes := []string{"archive-dicom-tls", "archive-https", "proxy-tls", "bridge-tls"}
	for _, valid := range validTypes {
		if certType == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid certificate type '%s', must be one of: %s",
		certType, strings.Join(validTypes, ", "))
}

func defaultRenewal(certType string) string {
	if certType == "proxy-tls" {
		return "self-signed"
	}
	return "internal-ca"
}

func (c *Config) certPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Certificates.Directory, p)
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
