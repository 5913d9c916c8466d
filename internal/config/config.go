// Package config loads service configuration from environment variables, with
// an optional YAML file for local development. Environment always wins.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/erpbridge/erpbridge/internal/types"
)

// Postgres holds database connection settings.
type Postgres struct {
	Host     string
	Port     int
	DB       string
	Schema   string
	User     string
	Password string
	PoolSize int
}

// DSN renders the pgx connection string.
func (p Postgres) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.DB)
	if p.Schema != "" {
		dsn += "&search_path=" + p.Schema
	}
	return dsn
}

// Endpoint holds credentials for one upstream HTTP service.
type Endpoint struct {
	URL      string
	Username string
	Password string
}

// Config is the full service configuration.
type Config struct {
	AppEnv   string
	LogLevel string

	APIHost string
	APIPort int

	Postgres Postgres
	Source   Endpoint
	Sink     Endpoint

	SourceSystem string

	DefaultBatchSize int
	MaxBatchSize     int

	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	BackgroundSyncEnabled bool
	BackgroundWindowStart types.TimeOfDay
	BackgroundWindowEnd   types.TimeOfDay

	JWTSecret string
}

// ListenAddr renders the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// Load reads configuration. configFile may be empty; unknown or missing files
// are only an error when explicitly named.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", configFile, err)
		}
	}

	cfg := &Config{
		AppEnv:   v.GetString("APP_ENV"),
		LogLevel: v.GetString("LOG_LEVEL"),
		APIHost:  v.GetString("API_HOST"),
		APIPort:  v.GetInt("API_PORT"),
		Postgres: Postgres{
			Host:     v.GetString("POSTGRES_HOST"),
			Port:     v.GetInt("POSTGRES_PORT"),
			DB:       v.GetString("POSTGRES_DB"),
			Schema:   v.GetString("POSTGRES_SCHEMA"),
			User:     v.GetString("POSTGRES_USER"),
			Password: v.GetString("POSTGRES_PASSWORD"),
			PoolSize: v.GetInt("POSTGRES_POOL_SIZE"),
		},
		Source: Endpoint{
			URL:      v.GetString("SOURCE_API_URL"),
			Username: v.GetString("SOURCE_API_USERNAME"),
			Password: v.GetString("SOURCE_API_PASSWORD"),
		},
		Sink: Endpoint{
			URL:      v.GetString("SINK_API_URL"),
			Username: v.GetString("SINK_API_USERNAME"),
			Password: v.GetString("SINK_API_PASSWORD"),
		},
		SourceSystem:          v.GetString("SOURCE_SYSTEM"),
		DefaultBatchSize:      v.GetInt("DEFAULT_BATCH_SIZE"),
		MaxBatchSize:          v.GetInt("MAX_BATCH_SIZE"),
		MaxRetries:            v.GetInt("MAX_RETRIES"),
		RetryDelay:            time.Duration(v.GetInt("RETRY_DELAY_SECONDS")) * time.Second,
		MaxRetryDelay:         time.Duration(v.GetInt("MAX_RETRY_DELAY_SECONDS")) * time.Second,
		BackgroundSyncEnabled: v.GetBool("BACKGROUND_SYNC_ENABLED"),
		JWTSecret:             v.GetString("INTERNAL_SERVICE_JWT_SECRET"),
	}

	var err error
	if cfg.BackgroundWindowStart, err = types.ParseTimeOfDay(v.GetString("BACKGROUND_SYNC_WINDOW_START")); err != nil {
		return nil, fmt.Errorf("BACKGROUND_SYNC_WINDOW_START: %w", err)
	}
	if cfg.BackgroundWindowEnd, err = types.ParseTimeOfDay(v.GetString("BACKGROUND_SYNC_WINDOW_END")); err != nil {
		return nil, fmt.Errorf("BACKGROUND_SYNC_WINDOW_END: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	}
	if c.DefaultBatchSize <= 0 {
		return fmt.Errorf("DEFAULT_BATCH_SIZE must be positive")
	}
	if c.MaxBatchSize < c.DefaultBatchSize {
		return fmt.Errorf("MAX_BATCH_SIZE %d below DEFAULT_BATCH_SIZE %d",
			c.MaxBatchSize, c.DefaultBatchSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_HOST", "0.0.0.0")
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", 5432)
	v.SetDefault("POSTGRES_DB", "erpbridge")
	v.SetDefault("POSTGRES_SCHEMA", "erpbridge")
	v.SetDefault("POSTGRES_USER", "erpbridge")
	v.SetDefault("POSTGRES_POOL_SIZE", 20)
	v.SetDefault("SOURCE_SYSTEM", "erp")
	v.SetDefault("DEFAULT_BATCH_SIZE", 1000)
	v.SetDefault("MAX_BATCH_SIZE", 10000)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_DELAY_SECONDS", 60)
	v.SetDefault("MAX_RETRY_DELAY_SECONDS", 3600)
	v.SetDefault("BACKGROUND_SYNC_ENABLED", false)
	v.SetDefault("BACKGROUND_SYNC_WINDOW_START", "19:00:00")
	v.SetDefault("BACKGROUND_SYNC_WINDOW_END", "07:00:00")
}
