package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultMaxBodySize int64 = 2 * 1024 * 1024 // 2MB
	DefaultConfigPath        = "config.yaml"
)

// PollerConfig drives the merge request discovery loop.
type PollerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	LookbackMinutes int           `yaml:"lookback_minutes"`
	PerProjectLimit int           `yaml:"per_project_limit"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
}

// ReviewConfig tunes the orchestrator's retry budget and worker pool.
type ReviewConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // pipeline runs per head SHA (default: 3)
	Timeout     time.Duration `yaml:"timeout"`      // per-review deadline (default: 5m)
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
}

// BreakerConfig tunes the AI backend circuit breaker.
type BreakerConfig struct {
	Window           time.Duration `yaml:"window"`
	MinCalls         int           `yaml:"min_calls"`
	FailureThreshold float64       `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HalfOpenMax      int           `yaml:"half_open_max"`
}

// StorageConfig holds configuration for review record persistence
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite
	DSN    string `yaml:"dsn"`    // Connection string
}

// Config holds the configuration for the MR review orchestrator
type Config struct {
	Log struct {
		Level    string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format   string `yaml:"format"` // text, json
		Output   string `yaml:"output"` // stdout, stderr, /path/to/file
		Rotation struct {
			MaxSize    int  `yaml:"max_size"`    // Megabytes
			MaxBackups int  `yaml:"max_backups"` // Number of old files to keep
			MaxAge     int  `yaml:"max_age"`     // Days to keep
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"log"`

	Server struct {
		Port          int           `yaml:"port"`
		ReadTimeout   time.Duration `yaml:"read_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		MaxBodySize   int64         `yaml:"max_body_size"`
		WebhookSecret string        `yaml:"-"` // From Env
	} `yaml:"server"`

	SourceControl struct {
		BaseURL  string        `yaml:"base_url"`
		Token    string        `yaml:"-"` // From Env
		Timeout  time.Duration `yaml:"timeout"`
		Projects []string      `yaml:"projects"` // project IDs or url-encoded paths the poller scans
	} `yaml:"source_control"`

	Poller PollerConfig `yaml:"poller"`

	Review ReviewConfig `yaml:"review"`

	AI struct {
		Endpoint    string        `yaml:"endpoint"`
		APIKey      string        `yaml:"api_key"` // From YAML or Env
		Model       string        `yaml:"model"`
		Temperature float64       `yaml:"temperature"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"ai"`

	Breaker BreakerConfig `yaml:"breaker"`

	Context struct {
		Endpoint string        `yaml:"endpoint"`
		Token    string        `yaml:"-"` // From Env
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"context"`

	Notify struct {
		Endpoint string        `yaml:"endpoint"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"notify"`

	Storage StorageConfig `yaml:"storage"`
}

// GetLogLevel returns the slog.Level based on Log.Level string
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig loads configuration from YAML file and supplements with environment variables
func LoadConfig() *Config {
	cfg := &Config{}

	// Set some defaults before loading
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Log.Rotation.MaxSize = 100
	cfg.Log.Rotation.MaxBackups = 10
	cfg.Log.Rotation.MaxAge = 7
	cfg.Log.Rotation.Compress = true

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.MaxBodySize = DefaultMaxBodySize

	cfg.SourceControl.Timeout = 30 * time.Second

	cfg.Poller.Enabled = true
	cfg.Poller.Interval = 3 * time.Minute
	cfg.Poller.LookbackMinutes = 30
	cfg.Poller.PerProjectLimit = 10
	cfg.Poller.MaxConcurrency = 4

	cfg.Review.MaxAttempts = 3
	cfg.Review.Timeout = 5 * time.Minute
	cfg.Review.Workers = 4
	cfg.Review.QueueSize = 64

	cfg.AI.Endpoint = "https://api.openai.com/v1"
	cfg.AI.Model = "gpt-4o"
	cfg.AI.Temperature = 0.2
	cfg.AI.Timeout = 120 * time.Second

	cfg.Breaker.Window = time.Minute
	cfg.Breaker.MinCalls = 5
	cfg.Breaker.FailureThreshold = 0.5
	cfg.Breaker.Cooldown = 30 * time.Second
	cfg.Breaker.HalfOpenMax = 1

	cfg.Context.Timeout = 30 * time.Second
	cfg.Notify.Timeout = 10 * time.Second

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "reviews.db"

	// Try to load from YAML
	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			slog.Error("read config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config not found, using defaults", "path", configPath)
	}

	// Always supplement/override with environment variables for secrets and critical items
	cfg.AI.APIKey = getEnv("AI_API_KEY", cfg.AI.APIKey)
	cfg.Server.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.Server.WebhookSecret)
	cfg.SourceControl.Token = getEnv("SCM_TOKEN", cfg.SourceControl.Token)
	cfg.Context.Token = getEnv("CONTEXT_TOKEN", cfg.Context.Token)

	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.Log.Level = envLogLevel
	}
	if envLogFormat := os.Getenv("LOG_FORMAT"); envLogFormat != "" {
		cfg.Log.Format = envLogFormat
	}
	if envLogOutput := getEnv("LOG_OUTPUT", ""); envLogOutput != "" {
		cfg.Log.Output = envLogOutput
	}
	if envDSN := getEnv("STORAGE_DSN", ""); envDSN != "" {
		cfg.Storage.DSN = envDSN
	}
	if envProjects := getEnv("POLLER_PROJECTS", ""); envProjects != "" {
		cfg.SourceControl.Projects = splitAndTrim(envProjects)
	}

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.AI.APIKey == "" {
		errs = append(errs, "AI_API_KEY is required")
	}
	if c.SourceControl.BaseURL == "" {
		errs = append(errs, "source_control.base_url is required")
	}
	if c.SourceControl.Token == "" {
		errs = append(errs, "SCM_TOKEN is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if c.Review.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("review.max_attempts must be positive: %d", c.Review.MaxAttempts))
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		errs = append(errs, fmt.Sprintf("breaker.failure_threshold must be in (0, 1]: %v", c.Breaker.FailureThreshold))
	}
	if c.Poller.Enabled && len(c.SourceControl.Projects) == 0 {
		errs = append(errs, "poller enabled but no source_control.projects configured")
	}
	if c.Storage.Driver != "sqlite" {
		errs = append(errs, fmt.Sprintf("unsupported storage driver: %s", c.Storage.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Helper functions for reading environment variables

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
