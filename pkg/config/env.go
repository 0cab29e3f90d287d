package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvConfig holds environment variable-based configuration
type EnvConfig struct {
	Port       int
	LogLevel   string
	ConfigFile string
	SecretsDir string
}

// LoadFromEnv reads configuration from environment variables
func LoadFromEnv() *EnvConfig {
	env := &EnvConfig{
		Port:       getEnvAsInt("PORT", 8080),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ConfigFile: getEnv("CONFIG_FILE", "config.yaml"),
		SecretsDir: getEnv("SECRETS_DIR", "/secrets"),
	}

	return env
}

// FallbackEnvName returns the environment variable consulted when a secret
// cannot be read from the credential store, e.g. bridge/webhook + hmac_key
// maps to BRIDGE_WEBHOOK_HMAC_KEY
func FallbackEnvName(path, key string) string {
	name := strings.ToUpper(path + "_" + key)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

// LookupFallback reads the fallback variable for a secret
func LookupFallback(path, key string) (string, bool) {
	value, ok := os.LookupEnv(FallbackEnvName(path, key))
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
