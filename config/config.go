package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"shiori/network"
	"shiori/parser"

	"github.com/caarlos0/env/v11"
)

const configDir = "~/.config/shiori"

// Config holds every runtime setting. Values come from defaults, then
// config.json, then SHIORI_* environment variables.
type Config struct {
	DownloadDir  string `json:"download_dir" env:"DOWNLOAD_DIR"`
	DatabasePath string `json:"database_path" env:"DATABASE_PATH"`
	LogFile      string `json:"log_file" env:"LOG_FILE"`

	Workers        int `json:"workers" env:"WORKERS"`
	PageWorkers    int `json:"page_workers" env:"PAGE_WORKERS"`
	MaxAttempts    int `json:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryBackoffMS int `json:"retry_backoff_ms" env:"RETRY_BACKOFF_MS"`

	RequestsPerSecond     float64 `json:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS"`
	UserAgent             string  `json:"user_agent,omitempty" env:"USER_AGENT"`

	EnableBrowser bool `json:"enable_browser" env:"ENABLE_BROWSER"`
	ConvertToJPEG bool `json:"convert_to_jpeg" env:"CONVERT_TO_JPEG"`
	Debug         bool `json:"debug" env:"DEBUG"`
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		DownloadDir:           "~/Downloads/shiori",
		DatabasePath:          filepath.Join(configDir, "shiori.db"),
		LogFile:               filepath.Join(configDir, "shiori.log"),
		Workers:               2,
		PageWorkers:           1,
		MaxAttempts:           3,
		RetryBackoffMS:        2000,
		RequestsPerSecond:     2,
		RequestTimeoutSeconds: 30,
	}
}

// DefaultPath is ~/.config/shiori/config.json, expanded
func DefaultPath() (string, error) {
	dir, err := parser.ExpandPath(configDir)
	if err != nil {
		return "", fmt.Errorf("cannot resolve configuration directory: %w", err)
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the configuration at path (DefaultPath when empty). A missing
// file is created with the defaults so users have something to edit.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("[Config] %s not found, creating it with defaults", path)
		if err := Save(path, &cfg); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("error reading config file: %w", err)
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SHIORI_"}); err != nil {
		return nil, fmt.Errorf("error reading environment overrides: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as indented JSON, creating the directory if needed
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating directory %s: %w", filepath.Dir(path), err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.DownloadDir, &c.DatabasePath, &c.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := parser.ExpandPath(*p)
		if err != nil {
			return fmt.Errorf("cannot expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate rejects settings the queue or transports cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.DownloadDir == "" {
		errs = append(errs, errors.New("download_dir is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.PageWorkers < 1 {
		errs = append(errs, fmt.Errorf("page_workers must be at least 1, got %d", c.PageWorkers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.RetryBackoffMS < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff_ms cannot be negative, got %d", c.RetryBackoffMS))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second cannot be negative, got %v", c.RequestsPerSecond))
	}
	if c.RequestTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("request_timeout_seconds must be at least 1, got %d", c.RequestTimeoutSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy is the per-page retry policy of the queue
func (c *Config) RetryPolicy() network.RetryPolicy {
	return network.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.RetryBackoffMS) * time.Millisecond,
	}
}

// ClientOptions configures the HTTP transports
func (c *Config) ClientOptions() network.ClientOptions {
	return network.ClientOptions{
		Timeout:           c.RequestTimeout(),
		UserAgent:         c.UserAgent,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             1,
	}
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
