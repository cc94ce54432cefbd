// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file search path when set.
const EnvConfigPath = "SWITCHBOARD_CONFIG"

// Config represents the complete switchboard configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Generator     GeneratorConfig     `yaml:"generator"`
	Policy        PolicyConfig        `yaml:"policy"`
	Queue         QueueConfig         `yaml:"queue"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres", or "memory"
	Path   string `yaml:"path"`   // sqlite database file
	URL    string `yaml:"url"`    // postgres connection string
}

// GeneratorConfig selects and configures the response generator.
type GeneratorConfig struct {
	Provider string        `yaml:"provider"` // "rules" or "gemini"
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Window   int           `yaml:"window"`
	Timeout  time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// PolicyConfig holds the escalation policy thresholds and lifecycle timers.
type PolicyConfig struct {
	ConfidenceFloor  float64       `yaml:"confidence_floor"`
	ConfidenceStreak int           `yaml:"confidence_streak"`
	SentimentFloor   float64       `yaml:"sentiment_floor"`
	SentimentAlpha   float64       `yaml:"sentiment_alpha"`
	FailureStreak    int           `yaml:"failure_streak"`
	RetentionDays    int           `yaml:"retention_days"`
	IdleTimeout      time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// QueueConfig selects and configures the background task queue.
type QueueConfig struct {
	Driver        string `yaml:"driver"` // "memory" or "nats"
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AuthConfig holds operator authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// NotificationsConfig holds the escalation notification sink.
type NotificationsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the baseline configuration. It carries no JWT
// secret; `switchboard init` generates one.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "switchboard.db",
		},
		Generator: GeneratorConfig{
			Provider: "rules",
			Model:    "gemini-2.0-flash",
			Window:   10,
			Timeout:  8 * time.Second,
		},
		Policy: PolicyConfig{
			ConfidenceFloor:  0.45,
			ConfidenceStreak: 3,
			SentimentFloor:   -0.4,
			SentimentAlpha:   0.5,
			FailureStreak:    3,
			RetentionDays:    90,
			IdleTimeout:      30 * time.Minute,
			SweepInterval:    5 * time.Minute,
		},
		Queue: QueueConfig{
			Driver:        "memory",
			SubjectPrefix: "switchboard",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path on top of the defaults.
// Environment variables in the forms ${VAR} and ${VAR:-default} are
// expanded before parsing, and duration strings are parsed into
// time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	// Unmarshal over the defaults so absent keys keep their baseline
	// values while explicit zeros are honored.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Locate returns the config file path to load: the SWITCHBOARD_CONFIG
// override first, then switchboard.yaml in the working directory, then
// the XDG config directory, then /etc. Returns "" when none exists.
func Locate() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}

	candidates := []string{"switchboard.yaml"}
	if configDir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(configDir, "switchboard", "config.yaml"))
	}
	candidates = append(candidates, "/etc/switchboard/config.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} with the environment value and
// ${VAR:-default} with the value or the default when unset or empty.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		value := os.Getenv(parts[1])
		if value == "" && parts[2] != "" {
			return parts[3]
		}
		return value
	})
}

// Validate checks that the configuration is complete and internally
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, memory", c.Database.Driver)
	}

	switch c.Generator.Provider {
	case "rules":
	case "gemini":
		if c.Generator.APIKey == "" {
			return errors.New("generator.api_key is required for the gemini provider")
		}
	default:
		return fmt.Errorf("generator.provider %q is not one of rules, gemini", c.Generator.Provider)
	}
	if c.Generator.Window <= 0 {
		return errors.New("generator.window must be positive")
	}
	if c.Generator.Timeout <= 0 {
		return errors.New("generator.timeout must be positive")
	}

	switch c.Queue.Driver {
	case "memory":
	case "nats":
		if c.Queue.URL == "" {
			return errors.New("queue.url is required for the nats driver")
		}
	default:
		return fmt.Errorf("queue.driver %q is not one of memory, nats", c.Queue.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required; run `switchboard init` to generate one")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 characters")
	}

	p := c.Policy
	if p.SentimentAlpha <= 0 || p.SentimentAlpha > 1 {
		return errors.New("policy.sentiment_alpha must be in (0, 1]")
	}
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 1 {
		return errors.New("policy.confidence_floor must be in [0, 1]")
	}
	if p.SentimentFloor < -1 || p.SentimentFloor > 0 {
		return errors.New("policy.sentiment_floor must be in [-1, 0]")
	}
	if p.IdleTimeout <= 0 {
		return errors.New("policy.idle_timeout must be positive")
	}
	if p.SweepInterval <= 0 {
		return errors.New("policy.sweep_interval must be positive")
	}
	if p.RetentionDays < 0 {
		return errors.New("policy.retention_days must not be negative")
	}

	return nil
}

// Retention converts the day-based retention setting to a duration. Zero
// disables purging.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Policy.RetentionDays) * 24 * time.Hour
}

// parseDurations converts the raw duration strings into time.Duration
// values, leaving the defaults in place for absent keys.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"generator.timeout", cfg.Generator.TimeoutRaw, &cfg.Generator.Timeout},
		{"policy.idle_timeout", cfg.Policy.IdleTimeoutRaw, &cfg.Policy.IdleTimeout},
		{"policy.sweep_interval", cfg.Policy.SweepIntervalRaw, &cfg.Policy.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
