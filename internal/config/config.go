// Package config provides YAML-based configuration loading for Whatistaspp.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from whatistaspp.yaml.
type Config struct {
	DB        DBConfig        `yaml:"db"`
	Paths     PathsConfig     `yaml:"paths"`
	AI        AIConfig        `yaml:"ai"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api"`
}

// DBConfig holds durable-store connection settings. Driver "sqlite" uses
// Path; driver "mysql" uses Host/Port/Database/User/Password.
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PathsConfig holds filesystem roots owned by the core: one credential
// directory per user under Sessions, per-kind media directories under Uploads.
type PathsConfig struct {
	Sessions string `yaml:"sessions"`
	Uploads  string `yaml:"uploads"`
}

// AIConfig configures the generative extraction step. Models are tried in
// order; the WHATISTASPP_GEMINI_KEY environment variable overrides APIKey.
// An empty key disables the AI path entirely (the parser falls back to the
// deterministic gazetteer).
type AIConfig struct {
	APIKey  string        `yaml:"api_key"`
	Models  []string      `yaml:"models"`
	Timeout time.Duration `yaml:"timeout"`
}

// DispatchConfig tunes the claim protocol and automation matcher.
type DispatchConfig struct {
	// ProxyEnabled lets claims fall back to the admin account's session
	// when the claimant's own session is offline.
	ProxyEnabled bool `yaml:"proxy_enabled"`
	// AdminUserID is the account used for proxied dispatch.
	AdminUserID uint `yaml:"admin_user_id"`
	// HighRewardMinPrice is the price cutoff above which a parsed job is
	// flagged high-reward when the AI gives no judgment of its own.
	HighRewardMinPrice int `yaml:"high_reward_min_price"`
	// RateLimitWindow bounds the trailing window for the claim rate gate.
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	// RateLimitUser / RateLimitAdmin cap won claims inside the window.
	RateLimitUser  int `yaml:"rate_limit_user"`
	RateLimitAdmin int `yaml:"rate_limit_admin"`
}

// SchedulerConfig tunes the broadcast worker.
type SchedulerConfig struct {
	// Interval between drain ticks.
	Interval time.Duration `yaml:"interval"`
	// SendDelay is the per-recipient pause inside a batch.
	SendDelay time.Duration `yaml:"send_delay"`
}

// APIConfig configures the JSON surface consumed by the dashboard layer.
type APIConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "whatistaspp.db"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.Paths.Sessions == "" {
		c.Paths.Sessions = "sessions"
	}
	if c.Paths.Uploads == "" {
		c.Paths.Uploads = "uploads"
	}
	if key := os.Getenv("WHATISTASPP_GEMINI_KEY"); key != "" {
		c.AI.APIKey = key
	}
	if len(c.AI.Models) == 0 {
		c.AI.Models = []string{"gemini-2.0-flash", "gemini-1.5-flash"}
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 20 * time.Second
	}
	if c.Dispatch.HighRewardMinPrice == 0 {
		c.Dispatch.HighRewardMinPrice = 2000
	}
	if c.Dispatch.RateLimitWindow == 0 {
		c.Dispatch.RateLimitWindow = 10 * time.Minute
	}
	if c.Dispatch.RateLimitUser == 0 {
		c.Dispatch.RateLimitUser = 3
	}
	if c.Dispatch.RateLimitAdmin == 0 {
		c.Dispatch.RateLimitAdmin = 20
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Scheduler.SendDelay == 0 {
		c.Scheduler.SendDelay = 3 * time.Second
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if c.DB.Driver == "mysql" && c.DB.Database == "" {
		errs = append(errs, "db.database is required for mysql")
	}
	if c.Dispatch.ProxyEnabled && c.Dispatch.AdminUserID == 0 {
		errs = append(errs, "dispatch.admin_user_id is required when proxy_enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
