package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DiscoveryURL string // Required: URL of the IDP's signed discovery document
	ClientID     string // Optional: registered OAuth2 client id (default: eRezeptApp)
	RedirectURI  string // Optional: registered redirect target

	DatabaseFile  string // Optional: path to SQLite credential store (default: ./erp.db)
	MasterKeyPath string // Optional: path to master encryption key file (overrides keychain)
	UseKeychain   bool   // Optional: load/create the master key in the OS keychain (default: true)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: text)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 5m)
}

func LoadConfig() Config {
	return Config{
		DiscoveryURL: getEnvOrDefault(
			"ERP_IDP_DISCOVERY_URL",
			"https://idp.app.ti-dienste.de/.well-known/openid-configuration",
		),
		ClientID:    getEnvOrDefault("ERP_CLIENT_ID", "eRezeptApp"),
		RedirectURI: getEnvOrDefault("ERP_REDIRECT_URI", "https://redirect.gematik.de/erezept"),

		DatabaseFile:  getEnvOrDefault("ERP_DATABASE_FILE", "erp.db"),
		MasterKeyPath: os.Getenv("ERP_MASTER_KEY_PATH"), // Optional
		UseKeychain:   getEnvBoolOrDefault("ERP_USE_KEYCHAIN", true),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "text"),
		HousekeepingInterval: getEnvDurationOrDefault("ERP_HOUSEKEEPING_INTERVAL", 5*time.Minute),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
