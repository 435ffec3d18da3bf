package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tokendex/pricer/internal/cache"
	"github.com/tokendex/pricer/internal/infrastructure/db"
	httpapi "github.com/tokendex/pricer/internal/interfaces/http"
	"github.com/tokendex/pricer/internal/interp"
	"github.com/tokendex/pricer/internal/lifecycle"
	"github.com/tokendex/pricer/internal/oracle"
	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/queue"
)

// AppConfig names the service and sets its log level.
type AppConfig struct {
	Name     string `yaml:"name" env:"APP_NAME"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// RedisConfig holds Redis connection settings, shared by cache and queues.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// RetentionConfig expresses the retention policy in whole days.
type RetentionConfig struct {
	PricesDays     int `yaml:"prices_days"`
	CacheStatsDays int `yaml:"cache_stats_days"`
	ArchivedDays   int `yaml:"archived_days"`
}

// Policy converts day counts into the persistence retention policy.
func (r RetentionConfig) Policy() persistence.RetentionPolicy {
	day := 24 * time.Hour
	return persistence.RetentionPolicy{
		Prices:     time.Duration(r.PricesDays) * day,
		CacheStats: time.Duration(r.CacheStatsDays) * day,
		Archived:   time.Duration(r.ArchivedDays) * day,
	}
}

// Config aggregates every component's configuration section.
type Config struct {
	App       AppConfig            `yaml:"app"`
	HTTP      httpapi.ServerConfig `yaml:"http"`
	Postgres  db.Config            `yaml:"postgres"`
	Redis     RedisConfig          `yaml:"redis"`
	Cache     cache.Config         `yaml:"cache"`
	Oracle    oracle.Config        `yaml:"oracle"`
	Interp    interp.Config        `yaml:"interpolation"`
	Queue     queue.Config         `yaml:"queue"`
	Lifecycle lifecycle.Config     `yaml:"lifecycle"`
	Retention RetentionConfig      `yaml:"retention"`
}

// Default returns the complete default configuration.
func Default() Config {
	return Config{
		App:       AppConfig{Name: "pricer", LogLevel: "info"},
		HTTP:      httpapi.DefaultServerConfig(),
		Postgres:  db.DefaultConfig(),
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Cache:     cache.DefaultConfig(),
		Oracle:    oracle.DefaultConfig(),
		Interp:    interp.DefaultConfig(),
		Queue:     queue.DefaultConfig(),
		Lifecycle: lifecycle.DefaultConfig(),
		Retention: RetentionConfig{
			PricesDays:     730,
			CacheStatsDays: 90,
			ArchivedDays:   1825,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file when path is
// non-empty, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.Cache.AppName = cfg.App.Name
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("APP_NAME"); v != "" {
		c.App.Name = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("HTTP_HOST"); v != "" {
		c.HTTP.Host = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		c.Oracle.APIKey = v
	}
	if v := os.Getenv("ALCHEMY_API_KEY"); v != "" {
		c.Oracle.APIKey = v
	}
	c.Postgres.ApplyEnvOverrides()
}
