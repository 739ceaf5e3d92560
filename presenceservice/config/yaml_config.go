package config

import (
	"github.com/rs/zerolog"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type YamlPubSubConfig struct {
	ProjectID      string `yaml:"project_id"`
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
}

type YamlBusConfig struct {
	Type   string           `yaml:"type"` // "redis" or "pubsub"
	Redis  YamlRedisConfig  `yaml:"redis"`
	PubSub YamlPubSubConfig `yaml:"pubsub"`
}

type YamlPostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type YamlPresenceConfig struct {
	TTLSeconds   int `yaml:"ttl_seconds"`
	GraceSeconds int `yaml:"grace_seconds"`
}

type YamlRateLimitConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	LimitNormal   int `yaml:"limit_normal"`
	LimitHighLoad int `yaml:"limit_high_load"`
}

type YamlLoadConfig struct {
	HighLoadThreshold        int   `yaml:"high_load_threshold"`
	OptimisticMaxConnections int64 `yaml:"optimistic_max_connections"`
}

type YamlLeadershipConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode            string               `yaml:"run_mode"`
	APIPort            string               `yaml:"api_port"`
	WebSocketPort      string               `yaml:"websocket_port"`
	IdentityServiceURL string               `yaml:"identity_service_url"`
	Redis              YamlRedisConfig      `yaml:"redis"`
	Postgres           YamlPostgresConfig   `yaml:"postgres"`
	Bus                YamlBusConfig        `yaml:"bus"`
	Presence           YamlPresenceConfig   `yaml:"presence"`
	RateLimit          YamlRateLimitConfig  `yaml:"rate_limit"`
	Load               YamlLoadConfig       `yaml:"load"`
	Leadership         YamlLeadershipConfig `yaml:"leadership"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data into a base AppConfig.
// Environment overrides are applied in stage 2.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		RunMode:            yamlCfg.RunMode,
		APIPort:            yamlCfg.APIPort,
		WebSocketPort:      yamlCfg.WebSocketPort,
		IdentityServiceURL: yamlCfg.IdentityServiceURL,
		Redis:              yamlCfg.Redis,
		Postgres:           yamlCfg.Postgres,
		Bus:                yamlCfg.Bus,
		Presence:           yamlCfg.Presence,
		RateLimit:          yamlCfg.RateLimit,
		Load:               yamlCfg.Load,
		Leadership:         yamlCfg.Leadership,
	}

	logger.Debug().
		Str("run_mode", appCfg.RunMode).
		Str("api_port", appCfg.APIPort).
		Str("websocket_port", appCfg.WebSocketPort).
		Str("bus_type", appCfg.Bus.Type).
		Msg("YAML config mapping complete")

	return appCfg, nil
}
