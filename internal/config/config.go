// Package config provides unified configuration for finarchive.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/finarchive/finarchive/internal/conflict"
	"github.com/finarchive/finarchive/pkg/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Strategy selects how backfill discovers snapshots.
type Strategy string

const (
	StrategyRange   Strategy = "range"
	StrategyNearest Strategy = "nearest"
)

// Config holds the unified configuration for finarchive.
type Config struct {
	// DataDir is the base directory for all archive files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Merge engine configuration
	Merge MergeConfig `json:"merge" yaml:"merge"`

	// Backfill engine configuration
	Backfill BackfillConfig `json:"backfill" yaml:"backfill"`

	// Collect configuration for one-shot collectors
	Collect CollectConfig `json:"collect" yaml:"collect"`

	// Storage configuration for the archive mirror
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Journal configuration
	Journal JournalConfig `json:"journal" yaml:"journal"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Datasets declares the archived datasets by name
	Datasets map[string]DatasetConfig `json:"datasets" yaml:"datasets"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Development switches to human-readable console output
	Development bool `json:"development" yaml:"development"`
}

// MergeConfig holds merge engine configuration.
type MergeConfig struct {
	// PromptTimeout bounds the wait for an operator answer
	PromptTimeout time.Duration `json:"prompt_timeout" yaml:"prompt_timeout"`

	// DenyMode is drop or abort
	DenyMode conflict.DenyMode `json:"deny_mode" yaml:"deny_mode"`

	// Resolution answers conflicts without prompting: "", "allow" or "deny"
	Resolution string `json:"resolution" yaml:"resolution"`
}

// BackfillConfig holds retrieval engine configuration.
type BackfillConfig struct {
	// Workers is the maximum number of concurrent fetch+extract tasks
	Workers int `json:"workers" yaml:"workers"`

	// Strategy is range or nearest
	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// CDXEndpoint is the web-archive index endpoint
	CDXEndpoint string `json:"cdx_endpoint" yaml:"cdx_endpoint"`

	// ArchiveBaseURL prefixes snapshot URLs
	ArchiveBaseURL string `json:"archive_base_url" yaml:"archive_base_url"`

	// MaxAttempts bounds index queries per call
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// RetryInterval is the fixed wait between index query attempts
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`

	// MinDelay and MaxDelay bound the randomized pause between index calls
	MinDelay time.Duration `json:"min_delay" yaml:"min_delay"`
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// RequestTimeout bounds a single HTTP request
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// Timeout bounds a whole backfill run (0 = none)
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is sent with index and page requests
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// SourceURL is the page backfilled by default
	SourceURL string `json:"source_url" yaml:"source_url"`
}

// CollectConfig holds collector configuration.
type CollectConfig struct {
	// ChartEndpoint is the Yahoo chart API base URL
	ChartEndpoint string `json:"chart_endpoint" yaml:"chart_endpoint"`

	// Workers is the number of parallel ticker fetches
	Workers int `json:"workers" yaml:"workers"`

	// UserAgent is sent with provider requests
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// RequestTimeout bounds a single HTTP request
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// StorageConfig holds archive mirror configuration.
type StorageConfig struct {
	// Type is the mirror type: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local mirror path (for local type)
	Path string `json:"path" yaml:"path"`

	// Concurrency bounds parallel mirror transfers
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 mirror configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// JournalConfig holds merge journal configuration.
type JournalConfig struct {
	// Enabled controls whether merges are journaled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the journal database path
	Path string `json:"path" yaml:"path"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Addr serves /metrics while a command runs (empty = disabled)
	Addr string `json:"addr" yaml:"addr"`
}

// DatasetConfig declares one archived dataset.
type DatasetConfig struct {
	// File is the archive file name relative to DataDir
	File string `json:"file" yaml:"file"`

	// Keys is the key-column set
	Keys []string `json:"keys" yaml:"keys"`

	// Columns declares column types for delimited archives
	Columns []types.ColumnDef `json:"columns" yaml:"columns"`

	// DefaultType types columns not listed in Columns; empty means inferred
	DefaultType types.ColumnType `json:"default_type" yaml:"default_type"`
}

// Schema returns the declared schema of the dataset.
func (d DatasetConfig) Schema() types.Schema {
	return types.Schema{Columns: d.Columns, Default: d.DefaultType}
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/finarchive",
		Logging: LoggingConfig{
			Level: "info",
		},
		Merge: MergeConfig{
			PromptTimeout: 5 * time.Second,
			DenyMode:      conflict.DenyDrop,
		},
		Backfill: BackfillConfig{
			Workers:        10,
			Strategy:       StrategyRange,
			CDXEndpoint:    "https://web.archive.org/cdx/search/cdx",
			ArchiveBaseURL: "https://web.archive.org/web",
			MaxAttempts:    5,
			RetryInterval:  5 * time.Second,
			MinDelay:       500 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			RequestTimeout: 30 * time.Second,
			Timeout:        30 * time.Minute,
			UserAgent:      "finarchive/1.0 (+https://github.com/finarchive/finarchive)",
			SourceURL:      "https://thestockmarketwatch.com/markets/pre-market/today.aspx",
		},
		Collect: CollectConfig{
			ChartEndpoint:  "https://query1.finance.yahoo.com/v8/finance/chart",
			Workers:        8,
			UserAgent:      "finarchive/1.0 (+https://github.com/finarchive/finarchive)",
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:        "none",
			Concurrency: 4,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Datasets: DefaultDatasets(),
	}
}

// DefaultDatasets returns the datasets archived out of the box.
func DefaultDatasets() map[string]DatasetConfig {
	return map[string]DatasetConfig{
		"top_movers": {
			File:        "top_movers/top_movers.csv",
			Keys:        []string{"date", "type", "Symb"},
			DefaultType: types.TypeString,
			Columns: []types.ColumnDef{
				{Name: "date", Type: types.TypeTime},
				{Name: "type", Type: types.TypeString},
				{Name: "Symb", Type: types.TypeString},
				{Name: "%Chg", Type: types.TypeFloat},
				{Name: "Volume", Type: types.TypeFloat},
			},
		},
		"candles": {
			File: "returns/candles.sqlite",
			Keys: []string{"Ticker", "Date"},
		},
		"returns": {
			File: "returns/returns.tbl",
			Keys: []string{"Ticker", "Date"},
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/finarchive"
	}

	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "mirror")
	}

	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.db")
	}
}

// DatasetPath returns the archive path of a named dataset.
func (c *Config) DatasetPath(name string) (string, error) {
	ds, ok := c.Datasets[name]
	if !ok {
		return "", fmt.Errorf("unknown dataset: %s", name)
	}
	if filepath.IsAbs(ds.File) {
		return ds.File, nil
	}
	return filepath.Join(c.DataDir, ds.File), nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Merge.DenyMode {
	case conflict.DenyDrop, conflict.DenyAbort:
	default:
		return fmt.Errorf("invalid merge.deny_mode: %s (must be drop or abort)", c.Merge.DenyMode)
	}

	switch strings.ToLower(c.Merge.Resolution) {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("invalid merge.resolution: %s (must be allow, deny, or empty)", c.Merge.Resolution)
	}

	if c.Merge.PromptTimeout <= 0 {
		return fmt.Errorf("merge.prompt_timeout must be positive")
	}

	if c.Backfill.Strategy != StrategyRange && c.Backfill.Strategy != StrategyNearest {
		return fmt.Errorf("invalid backfill.strategy: %s (must be range or nearest)", c.Backfill.Strategy)
	}

	if c.Backfill.Workers < 1 || c.Backfill.Workers > 64 {
		return fmt.Errorf("backfill.workers must be between 1 and 64, got %d", c.Backfill.Workers)
	}

	if c.Backfill.MaxAttempts < 1 {
		return fmt.Errorf("backfill.max_attempts must be at least 1, got %d", c.Backfill.MaxAttempts)
	}

	if c.Backfill.MaxDelay < c.Backfill.MinDelay {
		return fmt.Errorf("backfill.max_delay must not be below backfill.min_delay")
	}

	if c.Collect.Workers < 1 {
		return fmt.Errorf("collect.workers must be at least 1, got %d", c.Collect.Workers)
	}

	switch c.Storage.Type {
	case "none", "local", "s3":
	default:
		return fmt.Errorf("invalid storage type: %s (must be none, local, or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	for name, ds := range c.Datasets {
		if ds.File == "" {
			return fmt.Errorf("datasets.%s.file is required", name)
		}
		if err := ds.Schema().Validate(); err != nil {
			return fmt.Errorf("datasets.%s: %w", name, err)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the FINARCHIVE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FINARCHIVE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FINARCHIVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FINARCHIVE_LOG_DEVELOPMENT"); v != "" {
		cfg.Logging.Development = v == "true" || v == "1"
	}

	// Merge configuration
	if v := os.Getenv("FINARCHIVE_MERGE_PROMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Merge.PromptTimeout = d
		}
	}
	if v := os.Getenv("FINARCHIVE_MERGE_DENY_MODE"); v != "" {
		cfg.Merge.DenyMode = conflict.DenyMode(v)
	}
	if v := os.Getenv("FINARCHIVE_MERGE_RESOLUTION"); v != "" {
		cfg.Merge.Resolution = v
	}

	// Backfill configuration
	if v := os.Getenv("FINARCHIVE_BACKFILL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backfill.Workers = n
		}
	}
	if v := os.Getenv("FINARCHIVE_BACKFILL_STRATEGY"); v != "" {
		cfg.Backfill.Strategy = Strategy(v)
	}
	if v := os.Getenv("FINARCHIVE_BACKFILL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backfill.Timeout = d
		}
	}
	if v := os.Getenv("FINARCHIVE_USER_AGENT"); v != "" {
		cfg.Backfill.UserAgent = v
		cfg.Collect.UserAgent = v
	}

	// Storage configuration
	if v := os.Getenv("FINARCHIVE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("FINARCHIVE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FINARCHIVE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FINARCHIVE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("FINARCHIVE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("FINARCHIVE_S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}

	if v := os.Getenv("FINARCHIVE_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("FINARCHIVE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	for name := range c.Datasets {
		if p, err := c.DatasetPath(name); err == nil {
			dirs = append(dirs, filepath.Dir(p))
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
