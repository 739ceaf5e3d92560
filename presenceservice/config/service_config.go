// Package config holds the two-stage service configuration: an embedded
// YAML base completed by environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and finalized
// by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode            string
	APIPort            string
	WebSocketPort      string
	IdentityServiceURL string
	Redis              YamlRedisConfig
	Postgres           YamlPostgresConfig
	Bus                YamlBusConfig
	Presence           YamlPresenceConfig
	RateLimit          YamlRateLimitConfig
	Load               YamlLoadConfig
	Leadership         YamlLeadershipConfig
}

// PresenceTTL returns the configured presence record lifetime.
func (c *AppConfig) PresenceTTL() time.Duration {
	return time.Duration(c.Presence.TTLSeconds) * time.Second
}

// PresenceGrace returns the staleness grace added on top of the TTL.
func (c *AppConfig) PresenceGrace() time.Duration {
	return time.Duration(c.Presence.GraceSeconds) * time.Second
}

// RateLimitWindow returns the fixed counting window.
func (c *AppConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// UpdateConfigWithEnvOverrides completes the base configuration by applying
// environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	overrides := []struct {
		env    string
		target *string
	}{
		{"API_PORT", &cfg.APIPort},
		{"WEBSOCKET_PORT", &cfg.WebSocketPort},
		{"IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL},
		{"REDIS_ADDR", &cfg.Redis.Addr},
		{"POSTGRES_DSN", &cfg.Postgres.DSN},
		{"BUS_TYPE", &cfg.Bus.Type},
		{"GCP_PROJECT_ID", &cfg.Bus.PubSub.ProjectID},
	}
	for _, o := range overrides {
		if val := os.Getenv(o.env); val != "" {
			logger.Debug().Str("key", o.env).Str("source", "env").Msg("Overriding config value")
			*o.target = val
		}
	}
	// The bus shares the presence store's Redis instance unless told otherwise.
	if cfg.Bus.Redis.Addr == "" {
		cfg.Bus.Redis.Addr = cfg.Redis.Addr
	}

	if cfg.APIPort == "" || cfg.WebSocketPort == "" {
		return nil, fmt.Errorf("api_port and websocket_port must be set")
	}
	if cfg.RunMode != "local" {
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is not set in config or env var")
		}
		if cfg.IdentityServiceURL == "" {
			return nil, fmt.Errorf("IDENTITY_SERVICE_URL is not set in config or env var")
		}
		if cfg.Bus.Type == "pubsub" && cfg.Bus.PubSub.ProjectID == "" {
			return nil, fmt.Errorf("GCP_PROJECT_ID is required for the pubsub bus")
		}
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
