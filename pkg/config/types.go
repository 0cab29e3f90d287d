package config

import "time"

// SecretsProvider selects the credential store backend
type SecretsProvider string

const (
	SecretsProviderVault  SecretsProvider = "vault"
	SecretsProviderAWS    SecretsProvider = "aws-secretsmanager"
	SecretsProviderGCP    SecretsProvider = "gcp-secretmanager"
	SecretsProviderAzure  SecretsProvider = "azure-keyvault"
	SecretsProviderMemory SecretsProvider = "memory"
)

// QueueBackend selects where processing jobs are stored
type QueueBackend string

const (
	QueueBackendRedis  QueueBackend = "redis"
	QueueBackendMemory QueueBackend = "memory"
)

// Config represents the complete application configuration
type Config struct {
	LogLevel      string              `yaml:"log_level"`
	Server        ServerConfig        `yaml:"server"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Redis         RedisConfig         `yaml:"redis"`
	Queue         QueueConfig         `yaml:"queue"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Forward       ForwardConfig       `yaml:"forward"`
	Anonymization AnonymizationConfig `yaml:"anonymization"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Certificates  CertificatesConfig  `yaml:"certificates"`
	Audit         AuditConfig         `yaml:"audit"`
	Admin         AdminConfig         `yaml:"admin"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port              int       `yaml:"port"`
	ReadTimeout       string    `yaml:"read_timeout"`
	WriteTimeout      string    `yaml:"write_timeout"`
	MaxRequestSize    int64     `yaml:"max_request_size"`
	ShutdownTimeout   string    `yaml:"shutdown_timeout"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig enables the bridge's own TLS listener using a managed certificate
type TLSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Certificate string `yaml:"certificate"` // name of a managed certificate
}

// WebhookConfig holds store-event authentication settings
type WebhookConfig struct {
	Path            string          `yaml:"path"`
	SecretPath      string          `yaml:"secret_path"`
	SecretKey       string          `yaml:"secret_key"`
	FreshnessWindow string          `yaml:"freshness_window"`
	MaxFutureSkew   string          `yaml:"max_future_skew"`
	NonceTTL        string          `yaml:"nonce_ttl"`
	NonceFailOpen   *bool           `yaml:"nonce_fail_open"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines the per-source sliding window
type RateLimitConfig struct {
	Window      string `yaml:"window"`
	MaxRequests int    `yaml:"max_requests"`
	FailOpen    *bool  `yaml:"fail_open"`
}

// RedisConfig holds the shared store connection
type RedisConfig struct {
	URL         string `yaml:"url"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	KeyPrefix   string `yaml:"key_prefix"`
	DialTimeout string `yaml:"dial_timeout"`
}

// QueueConfig holds job queue and worker settings
type QueueConfig struct {
	Backend           QueueBackend `yaml:"backend"`
	Workers           int          `yaml:"workers"`
	MaxAttempts       int          `yaml:"max_attempts"`
	InitialBackoff    string       `yaml:"initial_backoff"`
	MaxBackoff        string       `yaml:"max_backoff"`
	BackoffMultiplier float64      `yaml:"backoff_multiplier"`
	CompletedHistory  int          `yaml:"completed_history"`
	FailedHistory     int          `yaml:"failed_history"`
	RetentionWindow   string       `yaml:"retention_window"`
	PollInterval      string       `yaml:"poll_interval"`
	JobTimeout        string       `yaml:"job_timeout"`
	StalledAfter      string       `yaml:"stalled_after"`
}

// ArchiveConfig points at the imaging archive REST API
type ArchiveConfig struct {
	URL              string `yaml:"url"`
	CredentialsPath  string `yaml:"credentials_path"`
	Timeout          string `yaml:"timeout"`
	MaxInstanceBytes int64  `yaml:"max_instance_bytes"`
	CAFile           string `yaml:"ca_file"`
	VerifyTLS        *bool  `yaml:"verify_tls"`
}

// ForwardConfig points at the downstream processing API
type ForwardConfig struct {
	URL            string        `yaml:"url"`
	APIKeyPath     string        `yaml:"api_key_path"`
	APIKeyName     string        `yaml:"api_key_name"`
	Timeout        string        `yaml:"timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the forward call
type BreakerConfig struct {
	MaxRequests         uint32 `yaml:"max_requests"`
	Interval            string `yaml:"interval"`
	Timeout             string `yaml:"timeout"`
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
}

// AnonymizationConfig holds pseudonymization settings
type AnonymizationConfig struct {
	KeyPath  string `yaml:"key_path"`
	KeyName  string `yaml:"key_name"`
	IDPrefix string `yaml:"id_prefix"`
}

// SecretsConfig selects and configures the credential store backend
type SecretsConfig struct {
	Provider SecretsProvider `yaml:"provider"`
	CacheTTL string          `yaml:"cache_ttl"`
	Timeout  string          `yaml:"timeout"`
	Vault    VaultConfig     `yaml:"vault"`
	AWS      AWSConfig       `yaml:"aws"`
	GCP      GCPConfig       `yaml:"gcp"`
	Azure    AzureConfig     `yaml:"azure"`
}

// VaultConfig holds Vault KV v2 settings
type VaultConfig struct {
	Address    string `yaml:"address"`
	Mount      string `yaml:"mount"`
	Namespace  string `yaml:"namespace"`
	AuthMethod string `yaml:"auth_method"` // approle or token
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	Token      string `yaml:"token"`
	CAFile     string `yaml:"ca_file"`
}

// AWSConfig holds AWS settings shared by Secrets Manager and S3
type AWSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
}

// GCPConfig holds GCP Secret Manager settings
type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds Azure Key Vault settings
type AzureConfig struct {
	VaultURL     string `yaml:"vault_url"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// CertificatesConfig holds certificate lifecycle settings
type CertificatesConfig struct {
	Directory            string               `yaml:"directory"`
	BackupDirectory      string               `yaml:"backup_directory"`
	BackupRetention      string               `yaml:"backup_retention"`
	CheckInterval        string               `yaml:"check_interval"`
	InitialDelay         string               `yaml:"initial_delay"`
	RenewalThresholdDays int                  `yaml:"renewal_threshold_days"`
	AutoRenew            *bool                `yaml:"auto_renew"`
	Watch                bool                 `yaml:"watch"`
	CA                   CAConfig             `yaml:"ca"`
	ACME                 ACMEConfig           `yaml:"acme"`
	Managed              []ManagedCertificate `yaml:"managed"`
}

// CAConfig locates the internal CA used to issue archive-facing certificates.
// When SecretPath is set the CA material is read from the credential store.
type CAConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	SecretPath   string `yaml:"secret_path"`
	ValidityDays int    `yaml:"validity_days"`
}

// ACMEConfig configures ACME renewal for the reverse proxy certificate
type ACMEConfig struct {
	DirectoryURL   string `yaml:"directory_url"`
	Email          string `yaml:"email"`
	AccountKeyFile string `yaml:"account_key_file"`
	Webroot        string `yaml:"webroot"`
}

// ManagedCertificate describes one certificate under lifecycle management
type ManagedCertificate struct {
	Name     string       `yaml:"name"`
	Type     string       `yaml:"type"`
	CertFile string       `yaml:"cert_file"`
	KeyFile  string       `yaml:"key_file"`
	CAFile   string       `yaml:"ca_file"`
	Critical bool         `yaml:"critical"`
	Renewal  string       `yaml:"renewal"` // internal-ca, self-signed, acme
	Reload   ReloadConfig `yaml:"reload"`
	Health   HealthConfig `yaml:"health"`
}

// ReloadConfig describes how the dependent service picks up a new certificate
type ReloadConfig struct {
	Type    string `yaml:"type"` // http, archive, signal, tls, none
	URL     string `yaml:"url"`
	Method  string `yaml:"method"`
	PIDFile string `yaml:"pid_file"`
	Signal  string `yaml:"signal"`
}

// HealthConfig describes the bounded readiness poll after a reload
type HealthConfig struct {
	URL         string `yaml:"url"`
	MaxAttempts int    `yaml:"max_attempts"`
	Interval    string `yaml:"interval"`
	Timeout     string `yaml:"timeout"`
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	Directory    string          `yaml:"directory"`
	FileName     string          `yaml:"file_name"`
	MaxSizeMB    int             `yaml:"max_size_mb"`
	RedactFields []string        `yaml:"redact_fields"`
	Export       ExportConfig    `yaml:"export"`
	Retention    RetentionConfig `yaml:"retention"`
	SIEM         SIEMConfig      `yaml:"siem"`
}

// ExportConfig configures batch export to object storage
type ExportConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Interval          string `yaml:"interval"`
	Bucket            string `yaml:"bucket"`
	Prefix            string `yaml:"prefix"`
	Compress          *bool  `yaml:"compress"`
	ObjectLockMode    string `yaml:"object_lock_mode"` // GOVERNANCE, COMPLIANCE or empty
	ObjectLockDays    int    `yaml:"object_lock_days"`
	DeleteAfterExport bool   `yaml:"delete_after_export"`
	UsePathStyle      bool   `yaml:"use_path_style"`
}

// RetentionConfig configures deletion and cold-tier demotion of exported objects
type RetentionConfig struct {
	Enabled          bool   `yaml:"enabled"`
	RetentionDays    int    `yaml:"retention_days"`
	ArchiveAfterDays int    `yaml:"archive_after_days"`
	ArchiveClass     string `yaml:"archive_class"`
	Interval         string `yaml:"interval"`
}

// SIEMConfig configures streaming to a security event endpoint
type SIEMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	Format        string  `yaml:"format"` // json, cef, leef, syslog
	TokenPath     string  `yaml:"token_path"`
	MinSeverity   string  `yaml:"min_severity"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Timeout       string  `yaml:"timeout"`
	Realtime      bool    `yaml:"realtime"`
}

// AdminConfig holds admin API authentication settings
type AdminConfig struct {
	JWTSecretPath string `yaml:"jwt_secret_path"`
	JWTSecretKey  string `yaml:"jwt_secret_key"`
	Issuer        string `yaml:"issuer"`
	TokenTTL      string `yaml:"token_ttl"`
}

// NotificationsConfig configures best-effort operator notifications
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	WebhookURL      string `yaml:"webhook_url"`
	QueueSize       int    `yaml:"queue_size"`
}

// ParseDuration converts string duration to time.Duration
func (c *Config) ParseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// Duration parses a duration that has already passed Validate
func (c *Config) Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// BoolValue dereferences an optional flag with a default
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
