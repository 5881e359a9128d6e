package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Pool       PoolConfig       `yaml:"pool"`
	Store      StoreConfig      `yaml:"store"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port                 int    `yaml:"port"`
	MaxBodySizeMB        int    `yaml:"max_body_size_mb"`
	LoggingLevel         string `yaml:"logging_level"`
	MasterKey            string `yaml:"master_key"`
	AllowPassthroughKeys bool   `yaml:"allow_passthrough_keys"`
}

type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	HeaderTimeout  time.Duration `yaml:"header_timeout"`
	ThinkingModels []string      `yaml:"thinking_models"`
}

// PoolConfig holds the startup defaults for the key pool. The live pool
// configuration is persisted in the store and mutated through the admin API.
type PoolConfig struct {
	Prefix           string `yaml:"prefix"`
	DefaultAlgorithm string `yaml:"default_algorithm"`
	DefaultRPM       int    `yaml:"default_rpm"`
}

type StoreConfig struct {
	// DatabaseURL selects the PostgreSQL-backed store. Empty means the
	// in-memory store (state is lost on restart).
	DatabaseURL string `yaml:"database_url"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in defaults for optional fields.
func (c *Config) ApplyDefaults() {
	if c.Server.MaxBodySizeMB == 0 {
		c.Server.MaxBodySizeMB = 10
	}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	if c.Upstream.HeaderTimeout == 0 {
		c.Upstream.HeaderTimeout = 30 * time.Second
	}
	if len(c.Upstream.ThinkingModels) == 0 {
		c.Upstream.ThinkingModels = []string{"deepseek-reasoner", "deepseek-r1"}
	}
	if c.Pool.Prefix == "" {
		c.Pool.Prefix = "keyrelay"
	}
	if c.Pool.DefaultAlgorithm == "" {
		c.Pool.DefaultAlgorithm = "round-robin"
	}
	if c.Pool.DefaultRPM == 0 {
		c.Pool.DefaultRPM = 60
	}
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("invalid max_body_size_mb: %d", c.Server.MaxBodySizeMB)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
	}

	if c.Server.MasterKey == "" {
		return fmt.Errorf("master_key is required")
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	parsedURL, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid upstream base_url: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("upstream base_url must use http or https scheme, got: %s", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("upstream base_url must have a host")
	}

	validAlgorithms := map[string]bool{"round-robin": true, "least-used": true, "token-balanced": true}
	if !validAlgorithms[c.Pool.DefaultAlgorithm] {
		return fmt.Errorf("invalid default_algorithm: %s", c.Pool.DefaultAlgorithm)
	}
	if c.Pool.DefaultRPM <= 0 {
		return fmt.Errorf("invalid default_rpm: %d", c.Pool.DefaultRPM)
	}

	return nil
}
