package main

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

type config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	Auth     struct {
		Secret   string        `yaml:"secret"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL      string        `yaml:"url"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`
}

func defaultConfig() *config {
	cfg := &config{
		Port:     "8080",
		LogLevel: "info",
	}
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Redis.CacheTTL = 30 * time.Second
	return cfg
}

// readConfig loads the YAML file when present, then applies environment
// overrides. A missing file is fine; env vars alone can configure the
// server.
func readConfig(path string) (*config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("couldn't read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("couldn't parse config: %w", err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("couldn't validate config: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *config) error {
	if cfg.Port == "" {
		return fmt.Errorf("port is required")
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (or set AUTH_SECRET)")
	}
	if cfg.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if cfg.Redis.URL != "" && cfg.Redis.CacheTTL <= 0 {
		return fmt.Errorf("redis.cache_ttl must be positive")
	}
	return nil
}
