package main

import (
	"os"

	"github.com/nrayfield/dispatchd/internal/audit"
)

// processConfig holds the process-level wiring concerns that sit above
// internal/config.Settings (which only governs dispatch-engine
// behavior): where to listen, whether an audit database is configured,
// and what to tell the Datadog agent.
type processConfig struct {
	ListenAddr string

	AuditEnabled bool
	DB           audit.DBConfig

	StatsDEnabled bool
	StatsDAddr    string

	DDService string
	DDEnv     string
	DDVersion string
	DDAgentHost string
}

// envs is populated once at process start.
var envs = initProcessConfig()

func initProcessConfig() processConfig {
	return processConfig{
		ListenAddr: getEnv("DISPATCHD_ADDR", ":8090"),

		AuditEnabled: getEnv("DISPATCHD_AUDIT_ENABLED", "false") == "true",
		DB: audit.DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "dispatchd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},

		StatsDEnabled: getEnv("DISPATCHD_STATSD_ENABLED", "false") == "true",
		StatsDAddr:    getEnv("DISPATCHD_STATSD_ADDR", "127.0.0.1:8125"),

		DDService:   getEnv("DD_SERVICE", "dispatchd"),
		DDEnv:       getEnv("DD_ENV", "development"),
		DDVersion:   getEnv("DD_VERSION", "0.1.0"),
		DDAgentHost: getEnv("DD_AGENT_HOST", "localhost"),
	}
}

// getEnv returns the named environment variable, or fallback if it is
// entirely unset.
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
