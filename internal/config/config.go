// Package config provides process configuration management using viper.
// It supports loading from YAML files, a .env file and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all process configuration. Operational parameters that
// operators edit at runtime live in the database-backed config store instead.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Annotator AnnotatorConfig `mapstructure:"annotator"`
	Bot       BotConfig       `mapstructure:"bot"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// SchedulerConfig holds job scheduling configuration.
type SchedulerConfig struct {
	// Timezone is the product's operating timezone used to interpret the
	// configured daily generation time.
	Timezone string `mapstructure:"timezone"`
	// OddsUpdateInterval is the period of the odds update job. Zero means the
	// job only runs on manual trigger.
	OddsUpdateInterval time.Duration `mapstructure:"odds_update_interval"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
}

// PipelineConfig holds pipeline tuning.
type PipelineConfig struct {
	AnnotationConcurrency int           `mapstructure:"annotation_concurrency"`
	AnnotationTimeout     time.Duration `mapstructure:"annotation_timeout"`
	SandboxFixtures       int           `mapstructure:"sandbox_fixtures"`
	RecentRunsLimit       int           `mapstructure:"recent_runs_limit"`
}

// AnnotatorConfig holds the analysis provider client configuration.
type AnnotatorConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// BotConfig holds Telegram admin bot configuration. An empty token disables the bot.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Location resolves the operating timezone, falling back to UTC.
func (s *SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC, fmt.Errorf("failed to load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory. A .env file in the
// working directory, if present, is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g., DATABASE_HOST, ANNOTATOR_API_KEY, BOT_TOKEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tips")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "tips")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("scheduler.timezone", "Europe/London")
	v.SetDefault("scheduler.odds_update_interval", "2h")
	v.SetDefault("scheduler.run_timeout", "30m")

	v.SetDefault("pipeline.annotation_concurrency", 4)
	v.SetDefault("pipeline.annotation_timeout", "45s")
	v.SetDefault("pipeline.sandbox_fixtures", 5)
	v.SetDefault("pipeline.recent_runs_limit", 10)

	v.SetDefault("annotator.base_url", "http://localhost:8090")
	v.SetDefault("annotator.provider", "default")
	v.SetDefault("annotator.api_key", "")
	v.SetDefault("annotator.timeout", "30s")
	v.SetDefault("annotator.requests_per_second", 2.0)
	v.SetDefault("annotator.burst", 2)

	v.SetDefault("bot.token", "")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}
