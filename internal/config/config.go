package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up by LoadFromDir.
const FileName = "demoit.yaml"

// Config represents the demoit configuration
type Config struct {
	Mode       string           `yaml:"mode"` // "production" or "development"
	Version    int              `yaml:"version"`
	State      string           `yaml:"state,omitempty"` // bootstrap state resource (URL or path)
	Server     ServerConfig     `yaml:"server"`
	Remote     RemoteConfig     `yaml:"remote"`
	Persist    PersistConfig    `yaml:"persist"`
	Profile    ProfileConfig    `yaml:"profile"`
	DemosCache DemosCacheConfig `yaml:"demos_cache"`
	Store      StoreConfig      `yaml:"store"`
	API        *APIConfig       `yaml:"api,omitempty"`
	Watch      bool             `yaml:"watch"` // reload clients when the local state file changes
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port  int    `yaml:"port"`
	Host  string `yaml:"host"`
	Debug bool   `yaml:"debug"`
}

// RemoteConfig points the editor at a demo store
type RemoteConfig struct {
	URL     string       `yaml:"url"`               // base URL, env vars expanded
	Timeout string       `yaml:"timeout,omitempty"` // request timeout (e.g. "30s"). Default: 30s
	Retry   *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig configures retry behavior for remote calls
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries,omitempty"` // Maximum retry attempts (default: 3)
	BaseDelay  string `yaml:"base_delay,omitempty"`  // Initial delay (e.g., "100ms"). Default: 100ms
	MaxDelay   string `yaml:"max_delay,omitempty"`   // Maximum delay (e.g., "5s"). Default: 5s
}

// PersistConfig tunes how often state is pushed to the store
type PersistConfig struct {
	MinInterval string `yaml:"min_interval,omitempty"` // minimum spacing between saves. Default: none
	Dedupe      *bool  `yaml:"dedupe,omitempty"`       // skip unchanged saves (default: true)
}

// ProfileConfig locates the local profile database
type ProfileConfig struct {
	DB string `yaml:"db,omitempty"` // sqlite path (default: ./demoit-profile.db)
}

// DemosCacheConfig configures caching of the profile's demo listing
type DemosCacheConfig struct {
	TTL string `yaml:"ttl,omitempty"` // Default: 1m, "0" disables
}

// StoreConfig configures the demo store backend served by `demoit store`
type StoreConfig struct {
	Driver    string `yaml:"driver,omitempty"` // "sqlite" or "postgres" (default: sqlite)
	DSN       string `yaml:"dsn,omitempty"`    // env vars expanded
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// APIConfig holds HTTP API configuration
type APIConfig struct {
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig holds rate limiting configuration for the API
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // Rate limit in requests per second (default: 10)
	Burst             int     `yaml:"burst,omitempty"`               // Burst size (default: 20)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// IsProduction reports whether saves go to the remote store
func (c *Config) IsProduction() bool {
	return c.Mode == "production"
}

// GetRemoteURL returns the store base URL with environment variable expansion
func (c RemoteConfig) GetRemoteURL() string {
	return os.ExpandEnv(c.URL)
}

// GetTimeout returns the parsed timeout duration (default: 30s)
func (c RemoteConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// GetRetryMaxRetries returns the max retries (default: 3, set to 0 to disable retries)
func (c RemoteConfig) GetRetryMaxRetries() int {
	if c.Retry == nil || c.Retry.MaxRetries < 0 {
		return 3
	}
	return c.Retry.MaxRetries
}

// GetRetryBaseDelay returns the base delay (default: 100ms)
func (c RemoteConfig) GetRetryBaseDelay() time.Duration {
	if c.Retry == nil {
		return 100 * time.Millisecond
	}
	return parseDuration(c.Retry.BaseDelay, 100*time.Millisecond)
}

// GetRetryMaxDelay returns the max delay (default: 5s)
func (c RemoteConfig) GetRetryMaxDelay() time.Duration {
	if c.Retry == nil {
		return 5 * time.Second
	}
	return parseDuration(c.Retry.MaxDelay, 5*time.Second)
}

// GetMinInterval returns the minimum spacing between saves (default: 0)
func (c PersistConfig) GetMinInterval() time.Duration {
	return parseDuration(c.MinInterval, 0)
}

// IsDedupe returns whether unchanged saves are skipped (default: true)
func (c PersistConfig) IsDedupe() bool {
	if c.Dedupe == nil {
		return true
	}
	return *c.Dedupe
}

// GetDB returns the profile database path
func (c ProfileConfig) GetDB() string {
	if c.DB == "" {
		return "./demoit-profile.db"
	}
	return c.DB
}

// GetTTL returns the demo listing cache TTL (default: 1m)
func (c DemosCacheConfig) GetTTL() time.Duration {
	return parseDuration(c.TTL, time.Minute)
}

// GetDriver returns the database/sql driver name for the store
func (c StoreConfig) GetDriver() string {
	switch c.Driver {
	case "postgres", "pg":
		return "postgres"
	default:
		return "sqlite"
	}
}

// GetDSN returns the store DSN with environment variable expansion
func (c StoreConfig) GetDSN() string {
	if c.DSN == "" && c.GetDriver() == "sqlite" {
		return "./demoit.db"
	}
	return os.ExpandEnv(c.DSN)
}

// GetJWTSecret returns the token signing secret with environment variable expansion
func (c StoreConfig) GetJWTSecret() string {
	return os.ExpandEnv(c.JWTSecret)
}

// Validate checks that the store configuration is usable
func (c StoreConfig) Validate() error {
	if c.Driver != "" && c.Driver != "sqlite" && c.Driver != "postgres" && c.Driver != "pg" {
		return fmt.Errorf("store: unknown driver %q", c.Driver)
	}
	if c.GetDriver() == "postgres" && c.GetDSN() == "" {
		return fmt.Errorf("store: dsn is required for postgres")
	}
	if c.GetJWTSecret() == "" {
		return fmt.Errorf("store: jwt_secret is required")
	}
	return nil
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Mode:    "development",
		Version: 1,
		Server: ServerConfig{
			Port:  8080,
			Host:  "localhost",
			Debug: false,
		},
		Remote: RemoteConfig{
			URL: "http://localhost:8090",
		},
		Watch: true,
	}
}

// Load loads configuration from a YAML file
// If the file doesn't exist, returns the default configuration
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Mode != "production" && config.Mode != "development" {
		return nil, fmt.Errorf("invalid mode %q: must be production or development", config.Mode)
	}

	return config, nil
}

// LoadFromDir looks for demoit.yaml in the given directory
// If none is found, returns the default configuration
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, FileName))
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
