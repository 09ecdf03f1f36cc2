// Package config loads the engine configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Addr             string   `mapstructure:"addr"`
	AllowedIngestIPs []string `mapstructure:"allowed_ingest_ips"`
	CORSOrigins      []string `mapstructure:"cors_origins"`
}

// PathsConfig covers on-disk locations.
type PathsConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	ModelDir string `mapstructure:"model_dir"`
	QuotaDB  string `mapstructure:"quota_db"`
	TickDB   string `mapstructure:"tick_db"`
}

// ProvidersConfig covers upstream credentials.
type ProvidersConfig struct {
	HistoryAPIKey   string `mapstructure:"history_api_key"`
	MetadataToken   string `mapstructure:"metadata_token"`
	LivestatsAPIKey string `mapstructure:"livestats_api_key"`
	RedisAddr       string `mapstructure:"redis_addr"`
}

// QuotaConfig is one source's call budget. Zero means unlimited.
type QuotaConfig struct {
	MonthlyLimit int `mapstructure:"monthly_limit"`
	DailyLimit   int `mapstructure:"daily_limit"`
	MinuteLimit  int `mapstructure:"minute_limit"`
}

// EngineConfig covers the tick pipeline.
type EngineConfig struct {
	BufferCapacity   int   `mapstructure:"buffer_capacity"`
	QueueSize        int   `mapstructure:"queue_size"`
	MockOdds         bool  `mapstructure:"mock_odds"`
	MockOddsSeed     int64 `mapstructure:"mock_odds_seed"`
	ArchiveTicks     bool  `mapstructure:"archive_ticks"`
	FlushIntervalSec int   `mapstructure:"flush_interval_sec"`
}

// TrainingConfig covers the retraining cycle.
type TrainingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Tag     string `mapstructure:"tag"`
}

// LoggingConfig covers the logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Paths     PathsConfig            `mapstructure:"paths"`
	Providers ProvidersConfig        `mapstructure:"providers"`
	Quotas    map[string]QuotaConfig `mapstructure:"quotas"`
	Engine    EngineConfig           `mapstructure:"engine"`
	Training  TrainingConfig         `mapstructure:"training"`
	Logging   LoggingConfig          `mapstructure:"logging"`
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the MATCHSIGHT_ prefix with underscores,
// e.g. MATCHSIGHT_SERVER_ADDR overrides server.addr.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.model_dir", "data/models")
	v.SetDefault("paths.quota_db", "data/quota.db")
	v.SetDefault("paths.tick_db", "data/ticks.db")
	v.SetDefault("engine.buffer_capacity", 30)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.mock_odds", true)
	v.SetDefault("engine.archive_ticks", true)
	v.SetDefault("engine.flush_interval_sec", 5)
	v.SetDefault("training.enabled", true)
	v.SetDefault("training.tag", "daily")
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("MATCHSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Defaults plus environment are a complete configuration.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
