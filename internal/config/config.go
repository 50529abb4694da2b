// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Storage selects which conforming backend persists pipeline state:
// "memory" (ephemeral), "redis" (one JSON document per key) or "database"
// (gorm).
type Storage struct {
	Backend string `mapstructure:"backend"`
}

type Watchdog struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
}

type HTTP struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	DebugEndpointsEnabled bool          `mapstructure:"debug_endpoints_enabled"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Storage       Storage       `mapstructure:"storage"`
	Redis         Redis         `mapstructure:"redis"`
	Database      Database      `mapstructure:"database"`
	Watchdog      Watchdog      `mapstructure:"watchdog"`
	HTTP          HTTP          `mapstructure:"http"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Storage: Storage{Backend: "memory"},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Database: Database{
			Driver: "sqlite",
			DSN:    "pipelines.db",
		},
		Watchdog: Watchdog{
			CheckInterval: 60 * time.Second,
			JobTimeout:    20 * time.Minute,
		},
		HTTP: HTTP{
			ListenAddr:   ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("storage.backend", def.Storage.Backend)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.dsn", def.Database.DSN)

	v.SetDefault("watchdog.check_interval", def.Watchdog.CheckInterval)
	v.SetDefault("watchdog.job_timeout", def.Watchdog.JobTimeout)

	v.SetDefault("http.listen_addr", def.HTTP.ListenAddr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.debug_endpoints_enabled", def.HTTP.DebugEndpointsEnabled)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "memory", "redis", "database":
	default:
		return fmt.Errorf("storage.backend must be one of memory|redis|database, got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "database" {
		switch cfg.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
		}
	}
	if cfg.Watchdog.CheckInterval <= 0 {
		return fmt.Errorf("watchdog.check_interval must be > 0")
	}
	if cfg.Watchdog.JobTimeout <= 0 {
		return fmt.Errorf("watchdog.job_timeout must be > 0")
	}
	if cfg.Watchdog.JobTimeout < cfg.Watchdog.CheckInterval {
		return fmt.Errorf("watchdog.job_timeout must be >= watchdog.check_interval")
	}
	if cfg.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr must be set")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
