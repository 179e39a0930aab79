// Package config provides configuration loading from environment variables
// and the distribution topology file.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// ServiceConfig holds process-level settings for the distribution service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	ConfigFile        string        // topology YAML
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          slog.Level
	JWTSecret         string // overrides jwt.secret from the topology file when set
	MaxPackageBytes   int64  // import body limit, 0 for none
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		ConfigFile:        GetEnv("CONFIG_FILE", "distribution.yaml"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          ParseLogLevel(GetEnv("LOG_LEVEL", "info")),
		JWTSecret:         GetSecret("JWT_SECRET"),
		MaxPackageBytes:   GetByteSizeEnv("MAX_PACKAGE_BYTES", 256<<20),
	}
}

// ParseLogLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
